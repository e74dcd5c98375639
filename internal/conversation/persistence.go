package conversation

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
)

// SessionPersistence saves and loads session state across restarts.
type SessionPersistence interface {
	SaveSessions(sessions map[string]*PersistedSession) error
	LoadSessions() (map[string]*PersistedSession, error)
}

// PersistedSession holds everything needed to resume a session, keyed by
// conversation id.
type PersistedSession struct {
	CreatedAt      time.Time      `json:"created_at"`
	LastUsedAt     time.Time      `json:"last_used_at"`
	TimeoutAt      time.Time      `json:"timeout_at"`
	LastDispatch   *Dispatch      `json:"last_dispatch,omitempty"`
	Resume         *ResumeContext `json:"resume,omitempty"`
	ID             string         `json:"id"`
	ConversationID string         `json:"conversation_id"`
	State          State          `json:"state"`
	Runs           int            `json:"runs"`
}

// FileStore implements SessionPersistence with a JSON file.
type FileStore struct {
	directory string
}

// NewFileStore creates a file-based store writing sessions.json in directory.
func NewFileStore(directory string) *FileStore {
	return &FileStore{
		directory: directory,
	}
}

func (f *FileStore) path() string {
	return filepath.Join(f.directory, "sessions.json")
}

// SaveSessions writes all sessions atomically.
func (f *FileStore) SaveSessions(sessions map[string]*PersistedSession) error {
	if err := os.MkdirAll(f.directory, 0750); err != nil {
		return fmt.Errorf("failed to create persistence directory: %w", err)
	}

	data, err := json.MarshalIndent(sessions, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal sessions: %w", err)
	}

	filename := f.path()
	tempFile := filename + ".tmp"
	if err := os.WriteFile(tempFile, data, 0600); err != nil {
		return fmt.Errorf("failed to write sessions file: %w", err)
	}
	if err := os.Rename(tempFile, filename); err != nil {
		_ = os.Remove(tempFile)
		return fmt.Errorf("failed to save sessions: %w", err)
	}
	return nil
}

// LoadSessions reads the sessions file. A missing file is an empty set.
func (f *FileStore) LoadSessions() (map[string]*PersistedSession, error) {
	data, err := os.ReadFile(f.path()) // #nosec G304 - path is built from the configured directory
	if os.IsNotExist(err) {
		return make(map[string]*PersistedSession), nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read sessions file: %w", err)
	}

	var sessions map[string]*PersistedSession
	if err := json.Unmarshal(data, &sessions); err != nil {
		return nil, fmt.Errorf("failed to unmarshal sessions: %w", err)
	}
	if sessions == nil {
		sessions = make(map[string]*PersistedSession)
	}
	return sessions, nil
}

// NoopStore keeps nothing.
type NoopStore struct{}

// NewNoopStore creates a no-op store.
func NewNoopStore() *NoopStore {
	return &NoopStore{}
}

// SaveSessions does nothing.
func (NoopStore) SaveSessions(_ map[string]*PersistedSession) error {
	return nil
}

// LoadSessions returns an empty set.
func (NoopStore) LoadSessions() (map[string]*PersistedSession, error) {
	return make(map[string]*PersistedSession), nil
}

// Save writes every session to the persistence collaborator.
func (r *Registry) Save() error {
	r.mu.Lock()
	persisted := make(map[string]*PersistedSession, len(r.sessions))
	for convID, s := range r.sessions {
		st := s.status(convID)
		persisted[convID] = &PersistedSession{
			ID:             st.ID,
			ConversationID: convID,
			State:          st.State,
			Runs:           st.Runs,
			CreatedAt:      st.CreatedAt,
			LastUsedAt:     st.LastUsedAt,
			TimeoutAt:      st.TimeoutAt,
			LastDispatch:   st.LastDispatch,
			Resume:         st.Resume,
		}
	}
	r.mu.Unlock()

	if err := r.persistence.SaveSessions(persisted); err != nil {
		return fmt.Errorf("failed to save sessions: %w", err)
	}
	return nil
}

// Restore replaces the in-memory sessions with the persisted ones. A session
// persisted as pending or active was interrupted by a restart: it comes back
// timed_out with its last dispatch as resume context. One interrupted before
// dispatch keeps the timeout it was resuming, if any, and is idle otherwise.
// Restore returns the number of sessions loaded.
func (r *Registry) Restore() (int, error) {
	persisted, err := r.persistence.LoadSessions()
	if err != nil {
		return 0, fmt.Errorf("failed to load sessions: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	r.sessions = make(map[string]*session, len(persisted))
	for convID, p := range persisted {
		if p == nil || p.ID == "" {
			continue
		}
		if p.ConversationID != "" {
			convID = p.ConversationID
		}

		s := &session{
			id:           p.ID,
			state:        p.State,
			runs:         p.Runs,
			createdAt:    p.CreatedAt,
			lastUsedAt:   p.LastUsedAt,
			timeoutAt:    p.TimeoutAt,
			lastDispatch: p.LastDispatch,
			resume:       p.Resume,
		}
		if !s.state.Valid() {
			s.state = StateIdle
		}
		if s.timeoutAt.IsZero() {
			s.timeoutAt = now.Add(r.ttl)
		}

		if s.state.Busy() {
			switch {
			case p.LastDispatch != nil:
				s.state = StateTimedOut
				s.resume = &ResumeContext{
					Fingerprint: p.LastDispatch.Fingerprint,
					Content:     p.LastDispatch.Content,
					TimedOutAt:  p.LastUsedAt,
				}
			case s.resume != nil:
				// Interrupted before dispatch while resuming a timeout.
				s.state = StateTimedOut
			default:
				s.state = StateIdle
			}
			s.timeoutAt = now.Add(r.ttl)
			r.logger.Info("Recovered interrupted session",
				zap.String("conversation_id", convID),
				zap.String("session_id", s.id),
				zap.String("state", string(s.state)))
		}
		if s.state != StateTimedOut {
			s.resume = nil
		}

		r.generation++
		s.generation = r.generation
		r.sessions[convID] = s
	}
	return len(r.sessions), nil
}
