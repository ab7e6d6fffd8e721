// Package autotick drives simulation_mode=auto: a per-session ticker loop
// that advances ticks through the Simulation Controller until the
// simulation leaves the running state or a guardrail trips.
//
// auto_delay_ms is an arbitrary millisecond interval, so the loop is a
// plain time.Ticker per session rather than a calendar scheduler.
package autotick

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"vibeforge/internal/simcontrol"
	"vibeforge/internal/simerrors"
	"vibeforge/internal/simtypes"
	"vibeforge/pkg/logger"
)

// DefaultDelay applies when a session enables auto mode without setting
// auto_delay_ms.
const DefaultDelay = time.Second

// Runner owns one auto-run goroutine per session.
type Runner struct {
	ctrl *simcontrol.Controller

	mu    sync.Mutex
	loops map[string]context.CancelFunc
	wg    sync.WaitGroup

	log *zerolog.Logger
}

// NewRunner constructs a Runner over ctrl.
func NewRunner(ctrl *simcontrol.Controller) *Runner {
	return &Runner{
		ctrl:  ctrl,
		loops: make(map[string]context.CancelFunc),
		log:   logger.Get(),
	}
}

// Start launches the auto-run loop for sess. A second Start for the same
// session replaces the prior loop.
func (r *Runner) Start(sess *simtypes.Session) {
	ctx, cancel := context.WithCancel(context.Background())

	r.mu.Lock()
	if prev, ok := r.loops[sess.SessionID]; ok {
		prev()
	}
	r.loops[sess.SessionID] = cancel
	r.mu.Unlock()

	delay := time.Duration(sess.AutoDelayMs) * time.Millisecond
	if delay <= 0 {
		delay = DefaultDelay
	}

	r.wg.Add(1)
	go r.loop(ctx, sess, delay)
}

// Stop cancels the session's loop, if any.
func (r *Runner) Stop(sessionID string) {
	r.mu.Lock()
	if cancel, ok := r.loops[sessionID]; ok {
		cancel()
		delete(r.loops, sessionID)
	}
	r.mu.Unlock()
}

// Shutdown cancels every loop and waits for them to exit.
func (r *Runner) Shutdown() {
	r.mu.Lock()
	for id, cancel := range r.loops {
		cancel()
		delete(r.loops, id)
	}
	r.mu.Unlock()
	r.wg.Wait()
}

// Running reports whether a loop is active for sessionID.
func (r *Runner) Running(sessionID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.loops[sessionID]
	return ok
}

func (r *Runner) loop(ctx context.Context, sess *simtypes.Session, delay time.Duration) {
	defer r.wg.Done()
	defer r.Stop(sess.SessionID)

	ticker := time.NewTicker(delay)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_, err := r.ctrl.AdvanceTick(ctx, sess)
			if err != nil {
				var breach *simerrors.GuardrailBreach
				if errors.As(err, &breach) {
					// Rate limiting just means the next firing retries; a
					// cost breach will keep failing, so stop the loop.
					state := r.ctrl.GetState(sess)
					if state.CostUSD >= state.MaxCostUSD {
						r.log.Warn().Str("session_id", sess.SessionID).Str("reason", breach.Reason).Msg("auto-run stopped by guardrail")
						return
					}
					continue
				}
				r.log.Warn().Err(err).Str("session_id", sess.SessionID).Msg("auto-run stopped")
				return
			}
			if r.ctrl.GetState(sess).TickStatus != simtypes.TickRunning {
				return
			}
		}
	}
}
