// Package sampler implements the Metrics Sampler: a background task
// that periodically scrapes health snapshots from the broker and
// storage hosts of one variant's fleet and buffers them in-memory. The
// Sampler does not write to the Store itself: its caller reads the
// buffer with Series after Stop and persists it. The buffer follows a
// single-writer, single-reader discipline: only the background
// goroutine appends, and Series is only safe to call after Stop has
// returned.
package sampler

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/cuemby/pulsarbench/pkg/executor"
	"github.com/cuemby/pulsarbench/pkg/log"
	"github.com/cuemby/pulsarbench/pkg/metrics"
	"github.com/cuemby/pulsarbench/pkg/types"
	"github.com/rs/zerolog"
)

// DefaultPeriod is the sampling interval used when none is configured.
const DefaultPeriod = 30 * time.Second

// scrapeDeadline bounds a single host's metrics-scrape command.
const scrapeDeadline = 10 * time.Second

// scrapePayload is the metrics-scrape command's expected JSON output.
type scrapePayload struct {
	HeapBytes int64   `json:"heap_bytes"`
	GCPauses  int64   `json:"gc_pauses"`
	CPUPct    float64 `json:"cpu_pct"`
	MemPct    float64 `json:"mem_pct"`
}

// Sampler runs exactly one background task per variant, with its own
// cancellation channel.
type Sampler struct {
	executor *executor.Executor
	period   time.Duration
	logger   zerolog.Logger

	mu     sync.Mutex
	series []types.HealthSnapshot

	stopCh chan struct{}
	doneCh chan struct{}
}

// New constructs a Sampler that scrapes hosts every period (or
// DefaultPeriod if period is zero).
func New(exec *executor.Executor, period time.Duration) *Sampler {
	if period <= 0 {
		period = DefaultPeriod
	}
	return &Sampler{
		executor: exec,
		period:   period,
		logger:   log.WithComponent("sampler"),
	}
}

// Start begins the sampling loop against hosts. Start is not
// idempotent across calls on the same Sampler instance — construct a
// new Sampler per variant.
func (s *Sampler) Start(ctx context.Context, hosts []types.Host) {
	s.stopCh = make(chan struct{})
	s.doneCh = make(chan struct{})
	go s.run(ctx, hosts)
}

// Stop ends the sampling loop and blocks until the current scrape (if
// any) finishes. Stop is idempotent: calling it before Start, or more
// than once, is a no-op.
func (s *Sampler) Stop() {
	if s.stopCh == nil {
		return
	}
	select {
	case <-s.stopCh:
		// already stopped
	default:
		close(s.stopCh)
	}
	if s.doneCh != nil {
		<-s.doneCh
	}
}

func (s *Sampler) run(ctx context.Context, hosts []types.Host) {
	defer close(s.doneCh)

	ticker := time.NewTicker(s.period)
	defer ticker.Stop()

	s.logger.Info().Dur("period", s.period).Int("hosts", len(hosts)).Msg("sampler started")

	for {
		select {
		case <-ticker.C:
			s.scrapeAll(ctx, hosts)
		case <-s.stopCh:
			s.logger.Info().Msg("sampler stopped")
			return
		case <-ctx.Done():
			s.logger.Info().Msg("sampler stopped (context cancelled)")
			return
		}
	}
}

// scrapeAll scrapes every monitored host once and appends the result
// as a single timestamped HealthSnapshot. A host-level failure logs a
// warning and is omitted from that period's snapshot; it never fails
// the enclosing run.
func (s *Sampler) scrapeAll(ctx context.Context, hosts []types.Host) {
	snapshot := types.HealthSnapshot{Timestamp: time.Now(), PerHost: make(map[string]types.HostSnapshot)}

	for _, host := range hosts {
		if host.Role != types.RoleBroker && host.Role != types.RoleStorage {
			continue
		}

		result, err := s.executor.Run(ctx, host.ID, "pulsarbench-scrape-metrics", scrapeDeadline)
		if err != nil {
			s.logger.Warn().Str("host", host.ID).Err(err).Msg("scrape failed, skipping host for this period")
			metrics.SamplerScrapesTotal.WithLabelValues(host.ID, "failure").Inc()
			continue
		}

		var payload scrapePayload
		if err := json.Unmarshal([]byte(result.Stdout), &payload); err != nil {
			s.logger.Warn().Str("host", host.ID).Err(err).Msg("scrape output unparsable, skipping host for this period")
			metrics.SamplerScrapesTotal.WithLabelValues(host.ID, "failure").Inc()
			continue
		}

		snapshot.PerHost[host.ID] = types.HostSnapshot{
			HeapBytes: payload.HeapBytes,
			GCPauses:  payload.GCPauses,
			CPUPct:    payload.CPUPct,
			MemPct:    payload.MemPct,
		}
		metrics.SamplerScrapesTotal.WithLabelValues(host.ID, "success").Inc()
	}

	s.mu.Lock()
	s.series = append(s.series, snapshot)
	s.mu.Unlock()
}

// Series returns the accumulated snapshot series. Safe to call only
// after Stop has returned.
func (s *Sampler) Series() []types.HealthSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]types.HealthSnapshot, len(s.series))
	copy(out, s.series)
	return out
}
