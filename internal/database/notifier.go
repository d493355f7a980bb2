package database

import (
	"context"
	"sync"
)

// Notifier fans committed account writes out to watchers.
type Notifier interface {
	Publish(ctx context.Context, acct *Account)
	Subscribe(ctx context.Context, id string) (<-chan *Account, error)
}

// LocalNotifier delivers changes to watchers in the same process.
// Slow watchers only see the latest value; older ones are dropped.
type LocalNotifier struct {
	mu   sync.RWMutex
	subs map[string]map[chan *Account]struct{}
}

// NewLocalNotifier creates an in-process notifier
func NewLocalNotifier() *LocalNotifier {
	return &LocalNotifier{subs: make(map[string]map[chan *Account]struct{})}
}

// Publish sends acct to every watcher of its id without blocking.
func (n *LocalNotifier) Publish(_ context.Context, acct *Account) {
	if acct == nil {
		return
	}
	n.mu.RLock()
	defer n.mu.RUnlock()

	for ch := range n.subs[acct.ID] {
		deliverLatest(ch, acct.Clone())
	}
}

// Subscribe registers a watcher that is removed when ctx is done.
func (n *LocalNotifier) Subscribe(ctx context.Context, id string) (<-chan *Account, error) {
	ch := make(chan *Account, 1)

	n.mu.Lock()
	if n.subs[id] == nil {
		n.subs[id] = make(map[chan *Account]struct{})
	}
	n.subs[id][ch] = struct{}{}
	n.mu.Unlock()

	go func() {
		<-ctx.Done()
		n.mu.Lock()
		delete(n.subs[id], ch)
		if len(n.subs[id]) == 0 {
			delete(n.subs, id)
		}
		n.mu.Unlock()
		close(ch)
	}()

	return ch, nil
}

// Watchers returns how many watchers are registered for id.
func (n *LocalNotifier) Watchers(id string) int {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return len(n.subs[id])
}

// deliverLatest replaces any undelivered value in a one-slot channel.
func deliverLatest(ch chan *Account, acct *Account) {
	for {
		select {
		case ch <- acct:
			return
		default:
		}
		select {
		case <-ch:
		default:
		}
	}
}
