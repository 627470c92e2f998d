package poolsync

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
)

// StartLoop starts the periodic Tick. Any running loop is stopped first so a
// restart never leaves two timers behind.
func (e *Engine) StartLoop(ctx context.Context) {
	e.loopMu.Lock()
	defer e.loopMu.Unlock()
	e.stopLoopLocked()
	e.startLoopLocked(ctx)
}

// StopLoop stops the periodic Tick and waits for it to exit.
func (e *Engine) StopLoop() {
	e.loopMu.Lock()
	defer e.loopMu.Unlock()
	e.stopLoopLocked()
	e.loopParent = nil
}

// LoopRunning reports whether the periodic Tick is active.
func (e *Engine) LoopRunning() bool {
	e.loopMu.Lock()
	defer e.loopMu.Unlock()
	return e.loopCancel != nil
}

func (e *Engine) restartLoopIfRunning() {
	e.loopMu.Lock()
	defer e.loopMu.Unlock()
	if e.loopCancel == nil || e.loopParent == nil {
		return
	}
	parent := e.loopParent
	e.stopLoopLocked()
	e.startLoopLocked(parent)
}

func (e *Engine) startLoopLocked(parent context.Context) {
	ctx, cancel := context.WithCancel(parent)
	done := make(chan struct{})
	e.loopParent = parent
	e.loopCancel = cancel
	e.loopDone = done

	go func() {
		defer close(done)
		ticker := time.NewTicker(e.tickInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				n := e.loopTicks.Add(1)
				refresh := n%uint64(e.metadataEvery) == 0
				if err := e.Tick(ctx, refresh); err != nil && !errors.Is(err, ErrSuperseded) && ctx.Err() == nil {
					e.logger.Warn("tick failed", zap.Error(err))
				}
			}
		}
	}()
}

func (e *Engine) stopLoopLocked() {
	if e.loopCancel == nil {
		return
	}
	e.loopCancel()
	<-e.loopDone
	e.loopCancel = nil
	e.loopDone = nil
}
