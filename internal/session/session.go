package session

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/LKLLLLLLLLLL/pocketrag-kernel/internal/llmclient"
	"github.com/LKLLLLLLLLLL/pocketrag-kernel/internal/repository"
)

const transcriptFileName = "transcript.json"

// Session is one UI window's conversation over one open repository (spec
// §4.7: "One session per UI window, owning one repository and one
// conversation state machine").
type Session struct {
	ID       int
	RepoName string

	repo *repository.Repository
	llm  *llmclient.Client

	dir  string
	stop stopFlag

	mu         sync.Mutex
	transcript []TranscriptEntry
}

func newSession(id int, repoName string, repo *repository.Repository, llm *llmclient.Client, dir string) *Session {
	return &Session{
		ID:       id,
		RepoName: repoName,
		repo:     repo,
		llm:      llm,
		dir:      dir,
	}
}

// Search forwards to the owned repository, per spec §4.7: "The session
// exposes search".
func (s *Session) Search(ctx context.Context, query string, limit int) ([]repository.SearchResult, error) {
	return s.repo.Search(ctx, query, limit)
}

// Repository returns the repository this session owns, for callers that
// need direct access (e.g. the frontend's embeddingState query, spec §8
// invariant (1)'s consistency check).
func (s *Session) Repository() *repository.Repository {
	return s.repo
}

// Stop requests cooperative cancellation of any in-flight Ask call and
// aborts the session's LLM client (spec §5: "the LLM client exposes a
// thread-safe abort").
func (s *Session) Stop() {
	s.stop.Stop()
	s.llm.Abort()
}

func (s *Session) appendTranscript(role, content string) {
	s.mu.Lock()
	s.transcript = append(s.transcript, TranscriptEntry{Role: role, Content: content, At: time.Now()})
	entries := append([]TranscriptEntry(nil), s.transcript...)
	s.mu.Unlock()

	_ = s.saveTranscript(entries)
}

// saveTranscript persists the transcript with the teacher's
// temp-file-then-rename atomic write (internal/session/storage.go
// SaveSession), so a crash mid-write never corrupts a prior session's
// history.
func (s *Session) saveTranscript(entries []TranscriptEntry) error {
	if s.dir == "" {
		return nil
	}
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return err
	}
	path := filepath.Join(s.dir, transcriptFileName)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return nil
}

// loadTranscript reads a previously persisted transcript, if any.
func loadTranscript(dir string) ([]TranscriptEntry, error) {
	path := filepath.Join(dir, transcriptFileName)
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var entries []TranscriptEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, err
	}
	return entries, nil
}

// Transcript returns a copy of the turns recorded so far.
func (s *Session) Transcript() []TranscriptEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]TranscriptEntry(nil), s.transcript...)
}
