package ledger

import (
	"sort"
	"sync"
)

// accountLocks serializes mutations per account without a process-wide lock.
type accountLocks struct {
	mutex   sync.Mutex
	entries map[string]*accountLock
}

type accountLock struct {
	mutex sync.Mutex
	refs  int
}

func newAccountLocks() *accountLocks {
	return &accountLocks{entries: make(map[string]*accountLock)}
}

// lock acquires every account lock in sorted order and returns the release func.
func (locks *accountLocks) lock(accountIDs ...AccountID) func() {
	keys := uniqueSortedKeys(accountIDs)
	held := make([]*accountLock, 0, len(keys))
	for _, key := range keys {
		entry := locks.acquireEntry(key)
		entry.mutex.Lock()
		held = append(held, entry)
	}
	return func() {
		for index := len(held) - 1; index >= 0; index-- {
			held[index].mutex.Unlock()
			locks.releaseEntry(keys[index])
		}
	}
}

func (locks *accountLocks) acquireEntry(key string) *accountLock {
	locks.mutex.Lock()
	defer locks.mutex.Unlock()
	entry, ok := locks.entries[key]
	if !ok {
		entry = &accountLock{}
		locks.entries[key] = entry
	}
	entry.refs++
	return entry
}

func (locks *accountLocks) releaseEntry(key string) {
	locks.mutex.Lock()
	defer locks.mutex.Unlock()
	entry, ok := locks.entries[key]
	if !ok {
		return
	}
	entry.refs--
	if entry.refs <= 0 {
		delete(locks.entries, key)
	}
}

func uniqueSortedKeys(accountIDs []AccountID) []string {
	seen := make(map[string]struct{}, len(accountIDs))
	keys := make([]string, 0, len(accountIDs))
	for _, accountID := range accountIDs {
		if accountID.IsZero() {
			continue
		}
		if _, exists := seen[accountID.String()]; exists {
			continue
		}
		seen[accountID.String()] = struct{}{}
		keys = append(keys, accountID.String())
	}
	sort.Strings(keys)
	return keys
}

// sortedAccountIDs orders ids the same way row locks are taken in the store.
func sortedAccountIDs(accountIDs ...AccountID) []AccountID {
	keys := uniqueSortedKeys(accountIDs)
	ordered := make([]AccountID, 0, len(keys))
	for _, key := range keys {
		ordered = append(ordered, AccountID{value: key})
	}
	return ordered
}
