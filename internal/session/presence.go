package session

import (
	"sort"
	"sync"
	"time"

	"github.com/MarkoPoloResearchLab/consult/pkg/ledger"
)

// Presence tracks which providers accept new requests.
type Presence struct {
	mutex  sync.RWMutex
	online map[ledger.AccountID]time.Time
}

// NewPresence constructs an empty Presence set.
func NewPresence() *Presence {
	return &Presence{online: make(map[ledger.AccountID]time.Time)}
}

// SetOnline marks the provider online.
func (presence *Presence) SetOnline(providerID ledger.AccountID, at time.Time) {
	presence.mutex.Lock()
	defer presence.mutex.Unlock()
	if _, ok := presence.online[providerID]; !ok {
		presence.online[providerID] = at
	}
}

// SetOffline removes the provider and reports whether it was online.
func (presence *Presence) SetOffline(providerID ledger.AccountID) bool {
	presence.mutex.Lock()
	defer presence.mutex.Unlock()
	_, ok := presence.online[providerID]
	delete(presence.online, providerID)
	return ok
}

// Online reports whether the provider accepts requests.
func (presence *Presence) Online(providerID ledger.AccountID) bool {
	presence.mutex.RLock()
	defer presence.mutex.RUnlock()
	_, ok := presence.online[providerID]
	return ok
}

// Providers lists online providers ordered by id.
func (presence *Presence) Providers() []ledger.AccountID {
	presence.mutex.RLock()
	defer presence.mutex.RUnlock()
	providers := make([]ledger.AccountID, 0, len(presence.online))
	for providerID := range presence.online {
		providers = append(providers, providerID)
	}
	sort.Slice(providers, func(left, right int) bool {
		return providers[left].String() < providers[right].String()
	})
	return providers
}
