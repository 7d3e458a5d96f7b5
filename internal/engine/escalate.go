package engine

import (
	"context"
	"time"

	"github.com/cmejia91/kernelhub/internal/runtime"
)

// startEscalation runs the bounded wait for a session stuck entering
// interrupt, shutdown, or reconnect. On timeout the user is asked whether
// to force-quit; a timeout is never resolved by force-quitting on our own,
// because the session might still recover. The wait is cancelled, and any
// open prompt dismissed, the moment the session transitions again.
func (e *Engine) startEscalation(rec *sessionRecord, op string, budget time.Duration) {
	ctx, cancel := context.WithCancel(rec.pumpCtx)

	rec.mu.Lock()
	if rec.escalateCancel != nil {
		rec.escalateCancel()
	}
	rec.escalateCancel = cancel
	rec.mu.Unlock()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer cancel()

		timer := time.NewTimer(budget)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		e.logger.Warn("session unresponsive",
			"session_id", rec.sessionID,
			"operation", op,
			"budget", budget,
		)

		forceQuit, err := e.prompter.ConfirmForceQuit(ctx, rec.name, op)
		if err != nil {
			e.logger.Warn("force-quit prompt failed",
				"session_id", rec.sessionID,
				"error", err,
			)
			return
		}
		if !forceQuit {
			// The user chose to wait, or the prompt was dismissed
			// because the state resolved. Either way, no termination.
			return
		}

		rec.mu.Lock()
		sess := rec.session
		rec.mu.Unlock()
		if sess == nil {
			return
		}
		e.logger.Info("force-quitting session at user request",
			"session_id", rec.sessionID,
			"operation", op,
		)
		if err := sess.ForceQuit(context.Background()); err != nil {
			e.notifier.Notify(runtime.SeverityError,
				"failed to force-quit "+rec.name+": "+err.Error())
		}
	}()
}
