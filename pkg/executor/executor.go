// Package executor implements the Remote Executor: it submits a
// command to the control plane, polls for a terminal status, and
// carries stdout/stderr/exit code back to the caller. It also
// implements file upload/download over the same channel, generalised
// from "one container" to "one command on one host."
package executor

import (
	"context"
	"encoding/base64"
	"fmt"
	"strings"
	"time"

	"github.com/cuemby/pulsarbench/pkg/controlplane"
	"github.com/cuemby/pulsarbench/pkg/errors"
	"github.com/cuemby/pulsarbench/pkg/log"
	"github.com/cuemby/pulsarbench/pkg/metrics"
	"github.com/cuemby/pulsarbench/pkg/types"
	"github.com/cuemby/pulsarbench/pkg/waitfor"
)

// pollBackoff is the poll-loop schedule for an in-flight command:
// start 2s, factor 1.5, cap 10s.
var pollBackoff = waitfor.Backoff{Initial: 2 * time.Second, Factor: 1.5, Cap: 10 * time.Second}

// uploadChunkBytes bounds the size of a single here-doc write so a
// file upload stays within the control-plane's payload limit; larger
// files are split into sequential append commands.
const uploadChunkBytes = 32 * 1024

// Executor submits commands to remote hosts via a control-plane
// client and polls them to completion. Multiple Run calls proceed in
// parallel; the only shared state is the control-plane client, which
// must itself be concurrency-safe.
type Executor struct {
	client controlplane.Client
}

// New constructs an Executor backed by client.
func New(client controlplane.Client) *Executor {
	return &Executor{client: client}
}

// Run submits payload to host and polls until it reaches a terminal
// status or deadline elapses.
func (e *Executor) Run(ctx context.Context, host, payload string, deadline time.Duration) (types.CommandResult, error) {
	logger := log.WithComponent("executor").With().Str("host", host).Logger()
	timer := metrics.NewTimer()

	runCtx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	cmdID, err := e.client.SubmitCommand(runCtx, host, payload)
	if err != nil {
		return types.CommandResult{}, errors.New(errors.ExecutionFailed, err).WithComponent("executor").WithHost(host)
	}
	logger.Debug().Str("command_id", cmdID).Msg("command submitted")

	var final types.CommandResult
	pollErr := waitfor.WaitFor(runCtx, deadline, pollBackoff, func(ctx context.Context) (bool, error) {
		result, err := e.client.GetInvocation(ctx, cmdID)
		if err != nil {
			// Transient control-plane poll failure: keep polling
			// rather than failing the command outright.
			logger.Warn().Err(err).Msg("poll failed, retrying")
			return false, nil
		}
		if !result.Status.IsTerminal() {
			return false, nil
		}
		final = result
		return true, nil
	})

	if pollErr != nil {
		// No cancel request is sent to the control plane (Client has no
		// cancel operation); the remote command may keep running after
		// this returns.
		timer.ObserveDurationVec(metrics.CommandDuration, string(types.CommandTimedOut))
		metrics.CommandsTotal.WithLabelValues(string(types.CommandTimedOut)).Inc()
		logger.Warn().Msg("command exceeded deadline, returning TimedOut")
		return types.CommandResult{Status: types.CommandTimedOut}, errors.New(errors.ExecutionFailed, pollErr).
			WithComponent("executor").WithHost(host)
	}

	timer.ObserveDurationVec(metrics.CommandDuration, string(final.Status))
	metrics.CommandsTotal.WithLabelValues(string(final.Status)).Inc()

	if final.Status != types.CommandSuccess {
		logger.Warn().Str("status", string(final.Status)).Str("stderr", final.Stderr).Msg("command did not succeed")
		return final, errors.New(errors.ExecutionFailed,
			fmt.Errorf("terminal status %s: %s", final.Status, final.Stderr)).WithComponent("executor").WithHost(host)
	}

	logger.Debug().Msg("command succeeded")
	return final, nil
}

// Upload writes data to path on host, encoded as a here-doc write
// command. Files larger than uploadChunkBytes are split into
// sequential append commands.
func (e *Executor) Upload(ctx context.Context, host, path string, data []byte, deadline time.Duration) error {
	if len(data) == 0 {
		_, err := e.Run(ctx, host, writeCommand(path, nil, false), deadline)
		return err
	}

	for offset := 0; offset < len(data); offset += uploadChunkBytes {
		end := offset + uploadChunkBytes
		if end > len(data) {
			end = len(data)
		}
		isAppend := offset > 0
		if _, err := e.Run(ctx, host, writeCommand(path, data[offset:end], isAppend), deadline); err != nil {
			return err
		}
	}
	return nil
}

func writeCommand(path string, chunk []byte, appendMode bool) string {
	redirect := ">"
	if appendMode {
		redirect = ">>"
	}
	encoded := base64.StdEncoding.EncodeToString(chunk)
	return fmt.Sprintf("base64 -d %s %s <<'EOF'\n%s\nEOF", redirect, path, encoded)
}

// Download reads the contents of path on host by running a command
// that emits them on stdout.
func (e *Executor) Download(ctx context.Context, host, path string, deadline time.Duration) ([]byte, error) {
	result, err := e.Run(ctx, host, fmt.Sprintf("cat %s", path), deadline)
	if err != nil {
		return nil, err
	}
	return []byte(strings.TrimSuffix(result.Stdout, "\n")), nil
}
