package guestjit

import (
	"context"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// rejitQueue holds the entry addresses of the units to translate again with optimizations.
// The most recently queued address is translated first, and each address is queued once.
type rejitQueue struct {
	mux    sync.Mutex
	stack  []uint64
	queued map[uint64]struct{}
	// ready wakes up one background worker.
	ready chan struct{}
}

func newRejitQueue() *rejitQueue {
	return &rejitQueue{queued: map[uint64]struct{}{}, ready: make(chan struct{}, 1)}
}

func (q *rejitQueue) enqueue(address uint64) {
	q.mux.Lock()
	if _, ok := q.queued[address]; ok {
		q.mux.Unlock()
		return
	}
	q.queued[address] = struct{}{}
	q.stack = append(q.stack, address)
	q.mux.Unlock()

	select {
	case q.ready <- struct{}{}:
	default:
	}
}

func (q *rejitQueue) tryDequeue() (uint64, bool) {
	q.mux.Lock()
	defer q.mux.Unlock()
	n := len(q.stack)
	if n == 0 {
		return 0, false
	}
	address := q.stack[n-1]
	q.stack = q.stack[:n-1]
	delete(q.queued, address)
	return address, true
}

// clear empties the queue and returns what it held.
func (q *rejitQueue) clear() []uint64 {
	q.mux.Lock()
	defer q.mux.Unlock()
	addresses := q.stack
	q.stack = nil
	q.queued = map[uint64]struct{}{}
	return addresses
}

func (q *rejitQueue) len() int {
	q.mux.Lock()
	defer q.mux.Unlock()
	return len(q.stack)
}

// enterThread starts the background translation workers with the first running guest thread.
func (t *Translator) enterThread() {
	t.threadMux.Lock()
	defer t.threadMux.Unlock()
	t.threads++
	if t.threads != 1 || !t.config.tieredCompilation {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	eg := &errgroup.Group{}
	for i := 0; i < t.config.workers; i++ {
		eg.Go(func() error {
			return t.backgroundTranslate(ctx)
		})
	}
	t.stopWorkers, t.workers = cancel, eg
	t.logger.WithField("workers", t.config.workers).Debug("background translation started")
}

// leaveThread stops the background translation workers once no guest thread runs, after they
// translated what is still queued.
func (t *Translator) leaveThread() {
	t.threadMux.Lock()
	defer t.threadMux.Unlock()
	t.threads--
	if t.threads != 0 || t.workers == nil {
		return
	}
	t.stopWorkers()
	if err := t.workers.Wait(); err != nil {
		t.logger.WithError(err).Warn("background translation failed")
	}
	t.stopWorkers, t.workers = nil, nil
	t.logger.Debug("background translation stopped")
}

func (t *Translator) backgroundTranslate(ctx context.Context) error {
	for {
		t.drainRejitQueue()
		select {
		case <-ctx.Done():
			t.drainRejitQueue()
			return nil
		case <-t.rejit.ready:
		}
	}
}

func (t *Translator) drainRejitQueue() {
	for {
		address, ok := t.rejit.tryDequeue()
		if !ok {
			return
		}
		if err := t.rejitFunction(address); err != nil {
			t.logger.WithError(err).WithField("guest_address", fmt.Sprintf("%#x", address)).Warn("optimized translation failed")
		}
	}
}

// rejitFunction replaces the low quality function at address with an optimized translation,
// unless it was invalidated meanwhile.
func (t *Translator) rejitFunction(address uint64) error {
	t.mux.RLock()
	old, ok := t.functions[address]
	t.mux.RUnlock()
	if !ok || old.HighQuality {
		return nil
	}

	f, err := t.translate(address, true, false)
	if err != nil {
		return err
	}

	t.mux.Lock()
	defer t.mux.Unlock()
	if t.functions[address] != old {
		t.release(f)
		return nil
	}
	t.functions[address] = f
	// Threads may still run the old function.
	t.retired = append(t.retired, old)
	if t.table.IsValid(address) {
		if err = t.table.Store(address, f.HostEntry); err != nil {
			return fmt.Errorf("publish %#x: %w", address, err)
		}
	}
	t.logger.WithFields(logrus.Fields{
		"guest_address": fmt.Sprintf("%#x", address),
		"host_entry":    fmt.Sprintf("%#x", f.HostEntry),
	}).Debug("published optimized translation")
	return nil
}

// clearRejitQueueLocked drops the queued addresses. With allowRequeue the call counters of
// their functions restart, so that they are queued again once called often enough.
// t.mux must be held.
func (t *Translator) clearRejitQueueLocked(allowRequeue bool) {
	addresses := t.rejit.clear()
	if !allowRequeue {
		return
	}
	for _, address := range addresses {
		if f, ok := t.functions[address]; ok && f.counter != 0 {
			if err := t.counters.Reset(f.counter); err != nil {
				t.logger.WithError(err).Warn("reset call counter")
			}
		}
	}
}
