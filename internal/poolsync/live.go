package poolsync

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"dammdash/internal/cpamm"
	"dammdash/internal/observability"
	chain "dammdash/internal/solana"
)

// SubscribeLive attaches to the program account feed. Pool accounts are
// decoded, stored in their partition immediately and queued for the next Tick.
// Other account types are ignored. Calling it while subscribed is a no-op.
func (e *Engine) SubscribeLive(ctx context.Context) error {
	if e.ws == nil {
		return errors.New("no websocket client configured")
	}

	e.liveMu.Lock()
	defer e.liveMu.Unlock()
	if e.liveCancel != nil {
		return nil
	}

	subCtx, cancel := context.WithCancel(ctx)
	ch, err := e.ws.SubscribeProgram(subCtx, chain.ProgramFilter{
		Program:  e.programID.String(),
		DataSize: cpamm.PoolAccountSize,
	})
	if err != nil {
		cancel()
		return err
	}

	done := make(chan struct{})
	e.liveCancel = cancel
	e.liveDone = done
	e.liveSubscribed.Store(true)
	e.logger.Info("live feed attached", zap.String("program", e.programID.String()))

	go func() {
		defer close(done)
		defer e.liveSubscribed.Store(false)
		for n := range ch {
			e.ingest(n)
		}
		e.logger.Info("live feed closed")
	}()
	return nil
}

// StopLive tears the live subscription down and waits for the reader to exit.
func (e *Engine) StopLive() {
	e.liveMu.Lock()
	cancel, done := e.liveCancel, e.liveDone
	e.liveCancel, e.liveDone = nil, nil
	e.liveMu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// LiveActive reports whether the live feed is attached.
func (e *Engine) LiveActive() bool {
	return e.liveSubscribed.Load()
}

// ingest stores a notified pool in its partition and queues it for the next Tick.
func (e *Engine) ingest(n chain.AccountNotification) {
	if !cpamm.IsPoolAccount(n.Data) {
		observability.RecordPoolUpdate("not_pool")
		return
	}
	entry, ok := e.decodeEntry(n.Pubkey, n.Data)
	if !ok {
		observability.RecordPoolUpdate("decode_error")
		return
	}
	if n.Slot > 0 {
		observability.UpdateHighestSlot(n.Slot)
	}

	ref := e.estimatedTimeRef(e.clock.Now())
	if err := e.store.Put(e.classifier.Classify(entry.Pool, ref), entry); err != nil {
		observability.RecordPoolUpdate("invalid")
		return
	}

	e.mu.Lock()
	e.incoming = append(e.incoming, entry)
	e.mu.Unlock()
	observability.RecordPoolUpdate("")
}

// Pending returns the number of live updates waiting for the next Tick.
func (e *Engine) Pending() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.incoming)
}
