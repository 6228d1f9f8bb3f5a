// Package schedule implements the optional --schedule polling mode
// (SPEC_FULL.md §11/§12): on a cron schedule, LIST the appliance's
// streams, pick the ones not yet pulled, and GET each — grounded on the
// teacher's internal/agent/scheduler.go, which drives backup jobs off the
// same cron.Cron primitive.
package schedule

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/robfig/cron/v3"

	"github.com/fmadio/fcap/internal/control"
)

// PullFunc performs one GET + reassembly + emit pass for a single stream
// name. The caller (cmd/fcap) supplies this so the scheduler stays
// decoupled from the orchestrator/sink wiring.
type PullFunc func(streamName string) error

// Poller runs List against the control channel on a cron schedule and
// hands every stream name it has not already pulled to PullFunc.
type Poller struct {
	client *control.Client
	pull   PullFunc
	logger *slog.Logger

	cron *cron.Cron

	mu     sync.Mutex
	seen   map[string]bool
	busy   bool
}

// New constructs a Poller. expr is a standard 5-field cron expression
// (e.g. "*/5 * * * *" to poll every five minutes).
func New(client *control.Client, expr string, pull PullFunc, logger *slog.Logger) (*Poller, error) {
	p := &Poller{
		client: client,
		pull:   pull,
		logger: logger.With("component", "schedule_poller"),
		seen:   make(map[string]bool),
	}

	c := cron.New(cron.WithLogger(cron.VerbosePrintfLogger(slog.NewLogLogger(logger.Handler(), slog.LevelDebug))))
	if _, err := c.AddFunc(expr, p.tick); err != nil {
		return nil, fmt.Errorf("schedule: adding cron entry %q: %w", expr, err)
	}
	p.cron = c
	return p, nil
}

// Start begins polling. The first tick fires at the next schedule match,
// not immediately — matching the teacher's cron.Cron semantics.
func (p *Poller) Start() {
	p.logger.Info("schedule poller started")
	p.cron.Start()
}

// Stop waits for the cron scheduler's own shutdown, which blocks until any
// in-flight tick finishes.
func (p *Poller) Stop() {
	p.logger.Info("schedule poller stopping")
	<-p.cron.Stop().Done()
}

func (p *Poller) tick() {
	p.mu.Lock()
	if p.busy {
		p.mu.Unlock()
		p.logger.Warn("previous poll still running, skipping tick")
		return
	}
	p.busy = true
	p.mu.Unlock()

	defer func() {
		p.mu.Lock()
		p.busy = false
		p.mu.Unlock()
	}()

	streams, err := p.client.List()
	if err != nil {
		p.logger.Error("schedule: LIST failed", "error", err)
		return
	}

	for _, s := range streams {
		p.mu.Lock()
		already := p.seen[s.Name]
		p.mu.Unlock()
		if already {
			continue
		}

		p.logger.Info("schedule: new stream found", "stream", s.Name, "size", s.Size)
		if err := p.pull(s.Name); err != nil {
			p.logger.Error("schedule: pull failed", "stream", s.Name, "error", err)
			continue
		}

		p.mu.Lock()
		p.seen[s.Name] = true
		p.mu.Unlock()
	}
}
