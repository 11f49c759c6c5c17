package heartbeat

import (
	"context"
	"sync"
	"time"

	"github.com/tomledger/dpl/pkg/ledger"
	"github.com/tomledger/dpl/pkg/log"
)

// DefaultInterval is the tick period used when Config.Interval is zero.
const DefaultInterval = 2 * time.Second

// Listeners are the four injected callbacks the scheduler may invoke after
// a tick. Each is optional and runs on the scheduler goroutine after the
// Heartbeat call has returned. None of them may call back into the engine.
type Listeners struct {
	OnSuccess func(*ledger.HeartbeatResult)
	OnError   func(error)
	OnAbort   func(*ledger.HeartbeatResult)
	OnStale   func(*ledger.HeartbeatResult)
}

// Config configures a Scheduler.
type Config struct {
	Engine        ledger.Engine
	OperationID   string
	ParticipantID string
	Interval      time.Duration
	Listeners     Listeners
}

// Scheduler drives periodic Heartbeat calls in a background goroutine,
// grounded in the teacher's ticker+stopCh health-monitor idiom.
type Scheduler struct {
	cfg    Config
	logger interface {
		Errorf(format string, err error)
	}

	mu      sync.Mutex
	cancel  context.CancelFunc
	stopped chan struct{}
	started bool
}

// New builds a Scheduler; call Start to begin ticking.
func New(cfg Config) *Scheduler {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	return &Scheduler{cfg: cfg, logger: schedulerLogger{}}
}

type schedulerLogger struct{}

func (schedulerLogger) Errorf(format string, err error) { log.Errorf(format, err) }

// Start begins the tick loop. Calling Start on an already-started Scheduler
// is a no-op.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.stopped = make(chan struct{})
	s.started = true
	go s.run(runCtx)
}

// Stop cancels the tick loop and blocks until the loop goroutine has
// exited, so that after Stop returns no further callback will fire. A tick
// already in flight is allowed to finish but its callbacks are suppressed.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	cancel := s.cancel
	stopped := s.stopped
	s.started = false
	s.mu.Unlock()

	cancel()
	<-stopped
}

func (s *Scheduler) run(ctx context.Context) {
	defer close(s.stopped)

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if s.tick(ctx) {
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

// tick runs one Heartbeat call and dispatches listeners. It returns true if
// the scheduler should stop itself (onAbort fired).
func (s *Scheduler) tick(ctx context.Context) bool {
	result, err := s.cfg.Engine.Heartbeat(ctx, s.cfg.OperationID, s.cfg.ParticipantID)

	// Suppress callbacks for a tick that raced past Stop.
	select {
	case <-ctx.Done():
		return false
	default:
	}

	if err != nil {
		if s.cfg.Listeners.OnError != nil {
			s.cfg.Listeners.OnError(err)
		} else {
			s.logger.Errorf("heartbeat: tick failed for "+s.cfg.OperationID+": %v", err)
		}
		return false
	}

	if result.AbortFlag {
		if s.cfg.Listeners.OnAbort != nil {
			s.cfg.Listeners.OnAbort(result)
		}
		return true
	}

	if result.HeartbeatUpdated && s.cfg.Listeners.OnSuccess != nil {
		s.cfg.Listeners.OnSuccess(result)
	}

	if len(result.StaleParticipants) > 0 && s.cfg.Listeners.OnStale != nil {
		s.cfg.Listeners.OnStale(result)
	}

	return false
}
