// Package provisioner wraps an external infrastructure-provisioning
// tool as an opaque subprocess: it is invoked once per call, given a
// generated variables document, and treated as a black box returning
// either an outputs document or an error message. Its process
// lifecycle — start, line-buffer stdout/stderr into the experiment
// log, graceful SIGTERM then a bounded forceful Kill — manages the
// subprocess as a single run-to-completion unit of work rather than a
// long-running daemon.
package provisioner

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os/exec"
	"syscall"
	"time"

	"github.com/cuemby/pulsarbench/pkg/errors"
	"github.com/rs/zerolog"
)

// killGrace bounds how long a provisioner subprocess is given to
// exit after SIGTERM before it is forcefully killed.
const killGrace = 10 * time.Second

// Output is the provisioner's success document: for each role, the
// host identifiers and private IPs it created.
type Output struct {
	OK      bool              `json:"ok"`
	Message string            `json:"message,omitempty"`
	Outputs map[string][]Host `json:"outputs,omitempty"`
}

// Host is one provisioned machine as reported by the provisioner.
type Host struct {
	ID        string `json:"id"`
	PrivateIP string `json:"private_ip"`
	VolumeID  string `json:"volume_id,omitempty"`
}

// Provisioner invokes an external binary to create or destroy
// infrastructure.
type Provisioner struct {
	binaryPath string
	logger     zerolog.Logger
}

// New constructs a Provisioner that invokes binaryPath.
func New(binaryPath string, logger zerolog.Logger) *Provisioner {
	return &Provisioner{binaryPath: binaryPath, logger: logger.With().Str("component", "provisioner").Logger()}
}

// Apply runs the provisioner's create path against varsPath, a
// generated variables document, and parses its final JSON line as the
// outputs document. Stdout/stderr are streamed into the log
// line-by-line as they arrive; only the final JSON is consumed — the
// rest of the stream is for the operator, never parsed.
func (p *Provisioner) Apply(ctx context.Context, varsPath string) (Output, error) {
	return p.run(ctx, "apply", varsPath)
}

// Destroy runs the provisioner's destroy path against varsPath. A
// non-zero exit is reported but never retried by this layer — the
// caller falls back to tag-based reclaim immediately.
func (p *Provisioner) Destroy(ctx context.Context, varsPath string) (Output, error) {
	return p.run(ctx, "destroy", varsPath)
}

func (p *Provisioner) run(ctx context.Context, action, varsPath string) (Output, error) {
	cmd := exec.Command(p.binaryPath, action, "--vars", varsPath)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return Output{}, fmt.Errorf("attaching stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return Output{}, fmt.Errorf("attaching stderr pipe: %w", err)
	}

	p.logger.Info().Str("action", action).Str("vars", varsPath).Msg("starting provisioner")
	if err := cmd.Start(); err != nil {
		return Output{}, errors.New(errors.ProvisionerFailed, err).WithComponent("provisioner")
	}

	var lastLine string
	done := make(chan struct{})
	go func() {
		defer close(done)
		lastLine = streamLines(stdout, func(line string) {
			p.logger.Info().Str("action", action).Str("stream", "stdout").Msg(line)
		})
	}()
	go streamLines(stderr, func(line string) {
		p.logger.Warn().Str("action", action).Str("stream", "stderr").Msg(line)
	})

	waitErr := p.waitOrKill(ctx, cmd, done)

	if lastLine == "" {
		if waitErr != nil {
			return Output{}, errors.New(errors.ProvisionerFailed, waitErr).WithComponent("provisioner")
		}
		return Output{}, errors.New(errors.ProvisionerFailed, fmt.Errorf("provisioner produced no output")).WithComponent("provisioner")
	}

	var out Output
	if err := json.Unmarshal([]byte(lastLine), &out); err != nil {
		return Output{}, errors.New(errors.ProvisionerFailed, fmt.Errorf("decoding provisioner output: %w", err)).WithComponent("provisioner")
	}

	if !out.OK {
		return out, errors.New(errors.ProvisionerFailed, fmt.Errorf("%s", out.Message)).WithComponent("provisioner")
	}
	if waitErr != nil {
		return out, errors.New(errors.ProvisionerFailed, waitErr).WithComponent("provisioner")
	}

	p.logger.Info().Str("action", action).Msg("provisioner finished")
	return out, nil
}

// waitOrKill waits for cmd to exit, or for ctx to be cancelled, in
// which case it sends SIGTERM and escalates to Kill after killGrace.
func (p *Provisioner) waitOrKill(ctx context.Context, cmd *exec.Cmd, streamsDone <-chan struct{}) error {
	waitErr := make(chan error, 1)
	go func() { waitErr <- cmd.Wait() }()

	select {
	case err := <-waitErr:
		<-streamsDone
		return err
	case <-ctx.Done():
		p.logger.Warn().Msg("context cancelled, sending SIGTERM to provisioner")
		_ = cmd.Process.Signal(syscall.SIGTERM)
		select {
		case err := <-waitErr:
			<-streamsDone
			return err
		case <-time.After(killGrace):
			p.logger.Warn().Msg("provisioner did not exit after SIGTERM, killing")
			_ = cmd.Process.Kill()
			<-waitErr
			<-streamsDone
			return ctx.Err()
		}
	}
}

// streamLines reads from r line by line, calling emit for each, and
// returns the last non-empty line seen (the provisioner's final JSON
// output document).
func streamLines(r io.Reader, emit func(string)) string {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	var last string
	for scanner.Scan() {
		line := scanner.Text()
		emit(line)
		if line != "" {
			last = line
		}
	}
	return last
}
