package session

import (
	"fmt"
	"path/filepath"
	"strconv"
	"sync"

	"github.com/LKLLLLLLLLLL/pocketrag-kernel/internal/llmclient"
	"github.com/LKLLLLLLLLLL/pocketrag-kernel/internal/repository"
)

// ManagerConfig configures the session manager, grounded on the teacher's
// session.ManagerConfig.
type ManagerConfig struct {
	// StoragePath is the directory each session's transcript is persisted
	// under (one subdirectory per window id).
	StoragePath string

	// MaxSessions caps the number of concurrently open sessions (spec §4.8
	// implies one worker thread per open session; an unbounded registry
	// would let a misbehaving frontend exhaust threads).
	MaxSessions int
}

// Manager owns the set of currently open per-window sessions (spec §4.8:
// "forwarded to the matching session by window-id"), grounded on the
// teacher's session.Manager lifecycle operations (Open/Get/List/Delete),
// generalized from project-path sessions to repository+LLM-client-backed
// conversation sessions.
type Manager struct {
	storagePath string
	maxSessions int

	mu       sync.Mutex
	sessions map[int]*Session
}

// NewManager creates a session manager. It creates no directory; the
// storage directory is created when a transcript is first saved.
func NewManager(cfg ManagerConfig) (*Manager, error) {
	maxSessions := cfg.MaxSessions
	if maxSessions <= 0 {
		maxSessions = DefaultMaxSessions
	}
	return &Manager{
		storagePath: cfg.StoragePath,
		maxSessions: maxSessions,
		sessions:    make(map[int]*Session),
	}, nil
}

// Open creates a new session for window id, owning repo and an LLM client
// built from llmCfg. Returns the existing session unchanged if id is
// already open (matching the teacher's "load existing session" path).
func (m *Manager) Open(id int, repoName string, repo *repository.Repository, llmCfg llmclient.Config) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if sess, ok := m.sessions[id]; ok {
		return sess, nil
	}
	if len(m.sessions) >= m.maxSessions {
		return nil, fmt.Errorf("maximum %d sessions reached; close old sessions first", m.maxSessions)
	}

	var dir string
	if m.storagePath != "" {
		dir = filepath.Join(m.storagePath, strconv.Itoa(id))
	}

	sess := newSession(id, repoName, repo, llmclient.New(llmCfg), dir)
	if dir != "" {
		if entries, err := loadTranscript(dir); err == nil {
			sess.transcript = entries
		}
	}

	m.sessions[id] = sess
	return sess, nil
}

// Get returns the open session for id, if any.
func (m *Manager) Get(id int) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.sessions[id]
	return sess, ok
}

// Close stops id's conversation loop and removes it from the registry. Its
// transcript stays on disk.
func (m *Manager) Close(id int) {
	m.mu.Lock()
	sess, ok := m.sessions[id]
	delete(m.sessions, id)
	m.mu.Unlock()

	if ok {
		sess.Stop()
	}
}

// CloseAll stops every open session (spec §4.8 message type "stopAll").
func (m *Manager) CloseAll() {
	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.sessions))
	for id, sess := range m.sessions {
		sessions = append(sessions, sess)
		delete(m.sessions, id)
	}
	m.mu.Unlock()

	for _, sess := range sessions {
		sess.Stop()
	}
}

// List returns the window ids of every open session.
func (m *Manager) List() []int {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]int, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	return ids
}
