package session

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/LKLLLLLLLLLL/pocketrag-kernel/internal/config"
	"github.com/LKLLLLLLLLLL/pocketrag-kernel/internal/embed"
	"github.com/LKLLLLLLLLLL/pocketrag-kernel/internal/llmclient"
	"github.com/LKLLLLLLLLLL/pocketrag-kernel/internal/repository"
	"github.com/LKLLLLLLLLLL/pocketrag-kernel/internal/store"
)

// scriptedLLM serves one canned SSE response per call, in order, looping on
// the last entry once exhausted.
type scriptedLLM struct {
	mu      sync.Mutex
	calls   int32
	replies []string
}

func (s *scriptedLLM) handler(w http.ResponseWriter, r *http.Request) {
	n := atomic.AddInt32(&s.calls, 1) - 1
	s.mu.Lock()
	reply := s.replies[int(n)%len(s.replies)]
	s.mu.Unlock()

	w.Header().Set("Content-Type", "text/event-stream")
	fmt.Fprintf(w, "data: {\"choices\":[{\"delta\":{\"content\":%q}}]}\n\n", reply)
	fmt.Fprint(w, "data: [DONE]\n\n")
}

func newTestRepository(t *testing.T) *repository.Repository {
	t.Helper()
	ctx := context.Background()
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "note.md"), []byte("# Foo\n\nThe answer is 42.\n"), 0o644))

	cfg := config.NewConfig()
	repo, err := repository.Open(ctx, repository.Options{
		Root:    root,
		DataDir: filepath.Join(t.TempDir(), "data"),
		Config:  cfg,
		EmbedderFactory: func(store.EmbeddingConfig) (embed.Embedder, error) {
			return embed.NewStubEmbedder(8), nil
		},
		SweepInterval: 20 * time.Millisecond,
		PlainText:     true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = repo.Close() })

	ctx2, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	err = repo.ConfigureEmbedding(ctx2, []repository.NewEmbeddingConfig{{ConfigName: "stub", ModelName: "stub", MaxInputLength: 512}})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		reports, err := repo.CheckConsistency(context.Background())
		return err == nil && reports != nil
	}, 2*time.Second, 20*time.Millisecond)

	return repo
}

func TestSession_Ask_RunsPlanRetrieveEvaluateAnswer(t *testing.T) {
	script := &scriptedLLM{replies: []string{
		"```search\nanswer\n```", // plan
		"YES",                    // evaluate
		"42",                     // answer
	}}
	srv := httptest.NewServer(http.HandlerFunc(script.handler))
	defer srv.Close()

	repo := newTestRepository(t)
	mgr, err := NewManager(ManagerConfig{StoragePath: t.TempDir()})
	require.NoError(t, err)

	llmCfg := llmclient.DefaultConfig()
	llmCfg.BaseURL = srv.URL
	llmCfg.Model = "test-model"

	sess, err := mgr.Open(1, "repo", repo, llmCfg)
	require.NoError(t, err)

	var events []Event
	var mu sync.Mutex
	err = sess.Ask(context.Background(), "what is the answer?", func(ev Event) {
		mu.Lock()
		events = append(events, ev)
		mu.Unlock()
	})
	require.NoError(t, err)

	var sawRetrieval, sawDelta, sawDone bool
	for _, ev := range events {
		switch ev.Kind {
		case EventRetrieval:
			sawRetrieval = true
		case EventAnswerDelta:
			sawDelta = true
			assert.Equal(t, "42", ev.Delta)
		case EventAnswerDone:
			sawDone = true
		}
	}
	assert.True(t, sawRetrieval)
	assert.True(t, sawDelta)
	assert.True(t, sawDone)

	transcript := sess.Transcript()
	require.Len(t, transcript, 2)
	assert.Equal(t, "user", transcript[0].Role)
	assert.Equal(t, "assistant", transcript[1].Role)
	assert.Equal(t, "42", transcript[1].Content)
}

func TestSession_Manager_OpenIsIdempotentPerWindow(t *testing.T) {
	script := &scriptedLLM{replies: []string{"YES"}}
	srv := httptest.NewServer(http.HandlerFunc(script.handler))
	defer srv.Close()

	repo := newTestRepository(t)
	mgr, err := NewManager(ManagerConfig{StoragePath: t.TempDir()})
	require.NoError(t, err)

	llmCfg := llmclient.DefaultConfig()
	llmCfg.BaseURL = srv.URL

	s1, err := mgr.Open(7, "repo", repo, llmCfg)
	require.NoError(t, err)
	s2, err := mgr.Open(7, "repo", repo, llmCfg)
	require.NoError(t, err)
	assert.Same(t, s1, s2)

	assert.Equal(t, []int{7}, mgr.List())
	mgr.Close(7)
	assert.Empty(t, mgr.List())
}

func TestSession_Manager_EnforcesMaxSessions(t *testing.T) {
	mgr, err := NewManager(ManagerConfig{StoragePath: t.TempDir(), MaxSessions: 1})
	require.NoError(t, err)

	repo := newTestRepository(t)
	llmCfg := llmclient.DefaultConfig()

	_, err = mgr.Open(1, "repo", repo, llmCfg)
	require.NoError(t, err)
	_, err = mgr.Open(2, "repo", repo, llmCfg)
	require.Error(t, err)
}
