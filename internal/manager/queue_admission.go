package manager

import (
	"context"
	"time"
)

// beginGeneration reserves a queue slot and then the single in-flight slot.
// Returns a release func to be deferred.
func (h *Handle) beginGeneration(ctx context.Context) (func(), error) {
	// Fast path: respect an already-canceled context
	if err := ctx.Err(); err != nil {
		return func() {}, err
	}
	maxWait := h.m.maxWait

	// Try to reserve a queue slot with timeout
	timer := time.NewTimer(maxWait)
	defer timer.Stop()
	select {
	case h.queueCh <- struct{}{}:
		// reserved queue slot
	case <-ctx.Done():
		return func() {}, ctx.Err()
	case <-timer.C:
		return func() {}, tooBusyError{modelID: h.ModelID()}
	}

	// Wait to acquire the single in-flight slot
	acquired := false
	defer func() {
		if !acquired {
			<-h.queueCh
		}
	}()
	if err := ctx.Err(); err != nil {
		return func() {}, err
	}
	timer2 := time.NewTimer(maxWait)
	defer timer2.Stop()
	select {
	case h.genCh <- struct{}{}:
		acquired = true
		return func() { <-h.genCh; <-h.queueCh }, nil
	case <-ctx.Done():
		return func() {}, ctx.Err()
	case <-timer2.C:
		return func() {}, tooBusyError{modelID: h.ModelID()}
	}
}

// QueueLen is the number of generations holding a queue slot, including the
// one in flight.
func (h *Handle) QueueLen() int { return len(h.queueCh) }

// Inflight is 1 while a generation runs.
func (h *Handle) Inflight() int { return len(h.genCh) }
