package session

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"
)

// WaitlistEntry is a requester queued for a busy provider.
type WaitlistEntry struct {
	SessionID   string    `json:"session_id"`
	RequesterID string    `json:"requester_id"`
	ProviderID  string    `json:"provider_id"`
	Type        Type      `json:"type"`
	EnqueuedAt  time.Time `json:"enqueued_at"`
}

// WaitlistStore keeps one FIFO queue per provider. DequeueOldest only considers entries of the given
// types; with none given every entry qualifies.
type WaitlistStore interface {
	Enqueue(ctx context.Context, entry WaitlistEntry) error
	DequeueOldest(ctx context.Context, providerID string, types ...Type) (WaitlistEntry, bool, error)
	List(ctx context.Context, providerID string) ([]WaitlistEntry, error)
	Remove(ctx context.Context, providerID string, sessionID string) (bool, error)
}

// MemoryWaitlist is the in-process WaitlistStore.
type MemoryWaitlist struct {
	mutex    sync.Mutex
	sequence uint64
	queues   map[string][]queuedEntry
}

type queuedEntry struct {
	sequence uint64
	entry    WaitlistEntry
}

// NewMemoryWaitlist constructs an empty MemoryWaitlist.
func NewMemoryWaitlist() *MemoryWaitlist {
	return &MemoryWaitlist{queues: make(map[string][]queuedEntry)}
}

// Enqueue implements WaitlistStore. Re-enqueueing a session keeps its original position.
func (waitlist *MemoryWaitlist) Enqueue(_ context.Context, entry WaitlistEntry) error {
	waitlist.mutex.Lock()
	defer waitlist.mutex.Unlock()
	for _, queued := range waitlist.queues[entry.ProviderID] {
		if queued.entry.SessionID == entry.SessionID {
			return nil
		}
	}
	waitlist.sequence++
	queue := append(waitlist.queues[entry.ProviderID], queuedEntry{sequence: waitlist.sequence, entry: entry})
	sort.SliceStable(queue, func(left, right int) bool {
		if !queue[left].entry.EnqueuedAt.Equal(queue[right].entry.EnqueuedAt) {
			return queue[left].entry.EnqueuedAt.Before(queue[right].entry.EnqueuedAt)
		}
		return queue[left].sequence < queue[right].sequence
	})
	waitlist.queues[entry.ProviderID] = queue
	return nil
}

// DequeueOldest implements WaitlistStore.
func (waitlist *MemoryWaitlist) DequeueOldest(_ context.Context, providerID string, types ...Type) (WaitlistEntry, bool, error) {
	waitlist.mutex.Lock()
	defer waitlist.mutex.Unlock()
	queue := waitlist.queues[providerID]
	for index, queued := range queue {
		if !typeAllowed(queued.entry.Type, types) {
			continue
		}
		queue = append(queue[:index], queue[index+1:]...)
		if len(queue) == 0 {
			delete(waitlist.queues, providerID)
		} else {
			waitlist.queues[providerID] = queue
		}
		return queued.entry, true, nil
	}
	return WaitlistEntry{}, false, nil
}

func typeAllowed(sessionType Type, types []Type) bool {
	return len(types) == 0 || slices.Contains(types, sessionType)
}

// List implements WaitlistStore, oldest first.
func (waitlist *MemoryWaitlist) List(_ context.Context, providerID string) ([]WaitlistEntry, error) {
	waitlist.mutex.Lock()
	defer waitlist.mutex.Unlock()
	queue := waitlist.queues[providerID]
	entries := make([]WaitlistEntry, 0, len(queue))
	for _, queued := range queue {
		entries = append(entries, queued.entry)
	}
	return entries, nil
}

// Remove implements WaitlistStore.
func (waitlist *MemoryWaitlist) Remove(_ context.Context, providerID string, sessionID string) (bool, error) {
	waitlist.mutex.Lock()
	defer waitlist.mutex.Unlock()
	queue := waitlist.queues[providerID]
	for index, queued := range queue {
		if queued.entry.SessionID != sessionID {
			continue
		}
		queue = append(queue[:index], queue[index+1:]...)
		if len(queue) == 0 {
			delete(waitlist.queues, providerID)
		} else {
			waitlist.queues[providerID] = queue
		}
		return true, nil
	}
	return false, nil
}
