// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

package wal

import (
	"context"
	"sync"
	"time"

	"github.com/coreos/etcd/pkg/idutil"
	"github.com/coreos/etcd/pkg/wait"
)

// writerLock is the single-writer lock each SharedWal guards its current
// segment with. It hands off fair-FIFO: a waiter that queues behind the
// current holder is guaranteed to be woken in arrival order, and cannot
// be barged by a connection that attempts Lock after it queued, however
// briefly the lock is free between Unlock and the next waiter actually
// resuming. Ticket ids double as transaction ids, generated the same
// way etcd's raft node generates proposal ids.
type writerLock struct {
	idGen   *idutil.Generator
	waiters wait.Wait

	mu     sync.Mutex
	holder uint64 // 0 means unheld
	queue  []uint64
}

func newWriterLock() *writerLock {
	return &writerLock{
		idGen:   idutil.NewGenerator(0, time.Now()),
		waiters: wait.New(),
	}
}

// Lock blocks until the caller becomes the holder, returning a ticket
// that must be passed back to Unlock. If ctx is cancelled while queued,
// Lock returns ctx.Err() and the ticket is abandoned in place: it stays
// in the queue as a reserved slot so that later arrivals still cannot
// leapfrog it, and when the lock is handed to it, it is released
// straight away to the next waiter.
func (wl *writerLock) Lock(ctx context.Context) (uint64, error) {
	ticket := wl.idGen.Next()

	wl.mu.Lock()
	if wl.holder == 0 {
		wl.holder = ticket
		wl.mu.Unlock()
		return ticket, nil
	}
	wl.queue = append(wl.queue, ticket)
	ch := wl.waiters.Register(ticket)
	wl.mu.Unlock()

	select {
	case <-ch:
		return ticket, nil
	case <-ctx.Done():
		go func() {
			<-ch
			wl.Unlock(ticket)
		}()
		return 0, ctx.Err()
	}
}

// Unlock releases the lock held under ticket and wakes the next queued
// waiter, if any. Panics if ticket is not the current holder, which
// indicates a caller bug (double unlock, or unlock from the wrong
// transaction) rather than a condition to recover from.
func (wl *writerLock) Unlock(ticket uint64) {
	wl.mu.Lock()
	defer wl.mu.Unlock()
	if wl.holder != ticket {
		panic("wal: writerLock Unlock called by non-holder")
	}
	if len(wl.queue) == 0 {
		wl.holder = 0
		return
	}
	next := wl.queue[0]
	wl.queue = wl.queue[1:]
	wl.holder = next
	wl.waiters.Trigger(next, struct{}{})
}

// Held reports whether ticket currently holds the lock.
func (wl *writerLock) Held(ticket uint64) bool {
	wl.mu.Lock()
	defer wl.mu.Unlock()
	return wl.holder == ticket
}
