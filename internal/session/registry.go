package session

import (
	"sort"
	"sync"

	"github.com/MarkoPoloResearchLab/consult/internal/billing"
	"github.com/MarkoPoloResearchLab/consult/pkg/ledger"
)

// entry is the live state of one non-terminal session. Its mutex serializes every transition.
type entry struct {
	mutex       sync.Mutex
	session     Session
	meter       *billing.Meter
	timer       Timer
	timerToken  uint64
	tokens      uint64
	graceTimers map[ledger.AccountID]graceTimer
	closed      bool
}

type graceTimer struct {
	timer Timer
	token uint64
}

func newEntry(session Session) *entry {
	return &entry{session: session, graceTimers: make(map[ledger.AccountID]graceTimer)}
}

func (sessionEntry *entry) nextToken() uint64 {
	sessionEntry.tokens++
	return sessionEntry.tokens
}

func (sessionEntry *entry) stopTimeout() {
	if sessionEntry.timer != nil {
		sessionEntry.timer.Stop()
	}
	sessionEntry.timer = nil
	sessionEntry.timerToken = 0
}

func (sessionEntry *entry) stopGrace(accountID ledger.AccountID) bool {
	grace, ok := sessionEntry.graceTimers[accountID]
	if !ok {
		return false
	}
	grace.timer.Stop()
	delete(sessionEntry.graceTimers, accountID)
	return true
}

func (sessionEntry *entry) stopTimers() {
	sessionEntry.stopTimeout()
	for accountID := range sessionEntry.graceTimers {
		sessionEntry.stopGrace(accountID)
	}
}

// record mirrors the routing fields of an entry so lookups never take an entry lock.
type record struct {
	entry       *entry
	requesterID ledger.AccountID
	providerID  ledger.AccountID
	capability  Capability
	status      Status
	starting    bool
}

// Registry indexes live sessions by id, provider and participant.
// Lock order is entry before registry; the registry never takes an entry lock.
type Registry struct {
	mutex      sync.RWMutex
	records    map[string]*record
	byProvider map[ledger.AccountID]map[string]struct{}
	byAccount  map[ledger.AccountID]map[string]struct{}
}

// NewRegistry constructs an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		records:    make(map[string]*record),
		byProvider: make(map[ledger.AccountID]map[string]struct{}),
		byAccount:  make(map[ledger.AccountID]map[string]struct{}),
	}
}

func (registry *Registry) insert(sessionEntry *entry) {
	session := sessionEntry.session
	registry.mutex.Lock()
	defer registry.mutex.Unlock()
	registry.records[session.ID] = &record{
		entry:       sessionEntry,
		requesterID: session.RequesterID,
		providerID:  session.ProviderID,
		capability:  session.Type.Capability(),
		status:      session.Status,
	}
	addIndex(registry.byProvider, session.ProviderID, session.ID)
	addIndex(registry.byAccount, session.ProviderID, session.ID)
	addIndex(registry.byAccount, session.RequesterID, session.ID)
}

func (registry *Registry) update(session Session) {
	registry.mutex.Lock()
	defer registry.mutex.Unlock()
	if current, ok := registry.records[session.ID]; ok {
		current.status = session.Status
	}
}

func (registry *Registry) remove(sessionID string) {
	registry.mutex.Lock()
	defer registry.mutex.Unlock()
	current, ok := registry.records[sessionID]
	if !ok {
		return
	}
	delete(registry.records, sessionID)
	removeIndex(registry.byProvider, current.providerID, sessionID)
	removeIndex(registry.byAccount, current.providerID, sessionID)
	removeIndex(registry.byAccount, current.requesterID, sessionID)
}

func (registry *Registry) lookup(sessionID string) (*entry, bool) {
	registry.mutex.RLock()
	defer registry.mutex.RUnlock()
	current, ok := registry.records[sessionID]
	if !ok {
		return nil, false
	}
	return current.entry, true
}

// Len returns the number of live sessions.
func (registry *Registry) Len() int {
	registry.mutex.RLock()
	defer registry.mutex.RUnlock()
	return len(registry.records)
}

// ActiveFor returns the ids of the provider's active sessions of a capability.
func (registry *Registry) ActiveFor(providerID ledger.AccountID, capability Capability) []string {
	registry.mutex.RLock()
	defer registry.mutex.RUnlock()
	var sessionIDs []string
	for sessionID := range registry.byProvider[providerID] {
		current := registry.records[sessionID]
		if current.status == StatusActive && current.capability == capability {
			sessionIDs = append(sessionIDs, sessionID)
		}
	}
	sort.Strings(sessionIDs)
	return sessionIDs
}

// Busy reports whether the provider is serving an active session of the capability.
func (registry *Registry) Busy(providerID ledger.AccountID, capability Capability) bool {
	return len(registry.ActiveFor(providerID, capability)) > 0
}

// reserve claims the provider's capability for a session whose billing is about to start. It fails
// while another session of the same capability is active or starting.
func (registry *Registry) reserve(sessionID string) bool {
	registry.mutex.Lock()
	defer registry.mutex.Unlock()
	current, ok := registry.records[sessionID]
	if !ok {
		return false
	}
	for otherID := range registry.byProvider[current.providerID] {
		if otherID == sessionID {
			continue
		}
		other := registry.records[otherID]
		if other.capability == current.capability && (other.status == StatusActive || other.starting) {
			return false
		}
	}
	current.starting = true
	return true
}

func (registry *Registry) unreserve(sessionID string) {
	registry.mutex.Lock()
	defer registry.mutex.Unlock()
	if current, ok := registry.records[sessionID]; ok {
		current.starting = false
	}
}

// IsBusy reports whether the provider is serving any active session.
func (registry *Registry) IsBusy(providerID ledger.AccountID) bool {
	return registry.Busy(providerID, CapabilityChat) || registry.Busy(providerID, CapabilityCall)
}

// OpenBetween reports whether a non-terminal session already links the two accounts.
func (registry *Registry) OpenBetween(requesterID ledger.AccountID, providerID ledger.AccountID) bool {
	registry.mutex.RLock()
	defer registry.mutex.RUnlock()
	for sessionID := range registry.byProvider[providerID] {
		if registry.records[sessionID].requesterID == requesterID {
			return true
		}
	}
	return false
}

// SessionsOf returns the ids of the live sessions an account participates in.
func (registry *Registry) SessionsOf(accountID ledger.AccountID) []string {
	registry.mutex.RLock()
	defer registry.mutex.RUnlock()
	sessionIDs := make([]string, 0, len(registry.byAccount[accountID]))
	for sessionID := range registry.byAccount[accountID] {
		sessionIDs = append(sessionIDs, sessionID)
	}
	sort.Strings(sessionIDs)
	return sessionIDs
}

// Statuses returns the status of every live session keyed by id.
func (registry *Registry) Statuses() map[string]Status {
	registry.mutex.RLock()
	defer registry.mutex.RUnlock()
	statuses := make(map[string]Status, len(registry.records))
	for sessionID, current := range registry.records {
		statuses[sessionID] = current.status
	}
	return statuses
}

func addIndex(index map[ledger.AccountID]map[string]struct{}, accountID ledger.AccountID, sessionID string) {
	sessionIDs, ok := index[accountID]
	if !ok {
		sessionIDs = make(map[string]struct{})
		index[accountID] = sessionIDs
	}
	sessionIDs[sessionID] = struct{}{}
}

func removeIndex(index map[ledger.AccountID]map[string]struct{}, accountID ledger.AccountID, sessionID string) {
	sessionIDs, ok := index[accountID]
	if !ok {
		return
	}
	delete(sessionIDs, sessionID)
	if len(sessionIDs) == 0 {
		delete(index, accountID)
	}
}
