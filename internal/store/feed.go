package store

import (
	"context"
	"sync"

	"github.com/hivedesk/callkit/internal/core"
	"github.com/hivedesk/callkit/internal/domain"
)

const feedBuffer = 64

// feed fans participant events out to per-call subscribers. Events are
// published under one mutex after the matching commit, so every subscriber
// observes them in commit order, at-least-once.
type feed struct {
	mu   sync.Mutex
	subs map[domain.CallID]map[int]*feedSub
	next int
}

type feedSub struct {
	ch       chan core.ParticipantEvent
	done     chan struct{}
	stopOnce sync.Once
}

func newFeed() *feed {
	return &feed{subs: make(map[domain.CallID]map[int]*feedSub)}
}

func (f *feed) publish(callID domain.CallID, ev core.ParticipantEvent) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, sub := range f.subs[callID] {
		select {
		case sub.ch <- ev:
		case <-sub.done:
		}
	}
}

func (f *feed) subscribe(ctx context.Context, callID domain.CallID) (<-chan core.ParticipantEvent, func()) {
	sub := &feedSub{
		ch:   make(chan core.ParticipantEvent, feedBuffer),
		done: make(chan struct{}),
	}

	f.mu.Lock()
	id := f.next
	f.next++
	if f.subs[callID] == nil {
		f.subs[callID] = make(map[int]*feedSub)
	}
	f.subs[callID][id] = sub
	f.mu.Unlock()

	cancel := func() {
		sub.stopOnce.Do(func() {
			// Unblock any in-flight publish before taking the lock.
			close(sub.done)
			f.mu.Lock()
			delete(f.subs[callID], id)
			f.mu.Unlock()
			close(sub.ch)
		})
	}

	go func() {
		select {
		case <-ctx.Done():
			cancel()
		case <-sub.done:
		}
	}()

	return sub.ch, cancel
}
