package flow

import (
	"context"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"
)

// SlaSweeper periodically runs the engine's SLA check. One sweep runs at a
// time; a tick that fires while the previous sweep is still going is skipped.
type SlaSweeper struct {
	interval      time.Duration
	engine        *Engine
	mu            sync.Mutex
	running       bool
	ctx           context.Context
	ctxCancelFunc context.CancelFunc
	done          chan struct{}
	logger        hclog.Logger
}

func NewSlaSweeper(engine *Engine, interval time.Duration) *SlaSweeper {
	ctx, cancel := context.WithCancel(context.Background())
	return &SlaSweeper{
		interval:      interval,
		engine:        engine,
		ctx:           ctx,
		ctxCancelFunc: cancel,
		done:          make(chan struct{}),
		logger:        hclog.Default().Named("sla-sweeper"),
	}
}

func (s *SlaSweeper) Start() {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.mu.Unlock()

	go s.run()
}

func (s *SlaSweeper) run() {
	defer close(s.done)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.sweep()
		}
	}
}

func (s *SlaSweeper) sweep() {
	report, err := s.engine.CheckSLA(s.ctx)
	if err != nil {
		s.logger.Error("SLA sweep finished with errors", "error", err)
	}
	if report.Breached > 0 || report.Escalations > 0 {
		s.logger.Info("SLA sweep completed",
			"checked", report.Checked,
			"breached", report.Breached,
			"escalations", report.Escalations,
		)
	}
}

// Stop cancels the sweep loop and waits for it to exit.
func (s *SlaSweeper) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return
	}
	s.ctxCancelFunc()
	<-s.done
	s.running = false
}
