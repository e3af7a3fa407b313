package session

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/MarkoPoloResearchLab/consult/pkg/ledger"
)

// MemoryRepository keeps sessions and messages in process.
type MemoryRepository struct {
	mutex    sync.RWMutex
	sessions map[string]Session
	messages map[string][]Message
}

// NewMemoryRepository constructs an empty MemoryRepository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		sessions: make(map[string]Session),
		messages: make(map[string][]Message),
	}
}

// SaveSession implements Repository.
func (repository *MemoryRepository) SaveSession(_ context.Context, session Session) error {
	repository.mutex.Lock()
	defer repository.mutex.Unlock()
	repository.sessions[session.ID] = session
	return nil
}

// GetSession implements Repository.
func (repository *MemoryRepository) GetSession(_ context.Context, sessionID string) (Session, error) {
	repository.mutex.RLock()
	defer repository.mutex.RUnlock()
	session, ok := repository.sessions[sessionID]
	if !ok {
		return Session{}, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	return session, nil
}

// ListSessions implements Repository.
func (repository *MemoryRepository) ListSessions(_ context.Context, accountID ledger.AccountID, limit int) ([]Session, error) {
	repository.mutex.RLock()
	defer repository.mutex.RUnlock()
	var sessions []Session
	for _, session := range repository.sessions {
		if session.Participant(accountID) {
			sessions = append(sessions, session)
		}
	}
	sort.Slice(sessions, func(left, right int) bool {
		return sessions[left].CreatedAt.After(sessions[right].CreatedAt)
	})
	if limit > 0 && len(sessions) > limit {
		sessions = sessions[:limit]
	}
	return sessions, nil
}

// ListOpenSessions implements Repository.
func (repository *MemoryRepository) ListOpenSessions(_ context.Context) ([]Session, error) {
	repository.mutex.RLock()
	defer repository.mutex.RUnlock()
	var sessions []Session
	for _, session := range repository.sessions {
		if !session.Status.Terminal() {
			sessions = append(sessions, session)
		}
	}
	sort.Slice(sessions, func(left, right int) bool {
		return sessions[left].ID < sessions[right].ID
	})
	return sessions, nil
}

// SaveMessage implements Repository.
func (repository *MemoryRepository) SaveMessage(_ context.Context, message Message) error {
	repository.mutex.Lock()
	defer repository.mutex.Unlock()
	repository.messages[message.SessionID] = append(repository.messages[message.SessionID], message)
	return nil
}

// ListMessages implements Repository, oldest first.
func (repository *MemoryRepository) ListMessages(_ context.Context, sessionID string, limit int) ([]Message, error) {
	repository.mutex.RLock()
	defer repository.mutex.RUnlock()
	messages := append([]Message(nil), repository.messages[sessionID]...)
	if limit > 0 && len(messages) > limit {
		messages = messages[len(messages)-limit:]
	}
	return messages, nil
}
