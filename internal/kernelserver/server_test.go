package kernelserver

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/LKLLLLLLLLLL/pocketrag-kernel/internal/config"
	"github.com/LKLLLLLLLLLL/pocketrag-kernel/internal/embed"
	"github.com/LKLLLLLLLLLL/pocketrag-kernel/internal/store"
)

// scriptedChatServer replies with a search fence to the first chat
// completion call (plan), YES to the second (evaluate) and 42 to every
// later one (answer), so the first query's evaluate step proceeds straight
// to answer.
func scriptedChatServer() *httptest.Server {
	calls := 0
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.Header().Set("Content-Type", "text/event-stream")
		reply := "YES"
		if calls == 1 {
			reply = "```search\nanswer\n```"
		} else if calls >= 3 {
			reply = "42"
		}
		fmt.Fprintf(w, "data: {\"choices\":[{\"delta\":{\"content\":%q}}]}\n\n", reply)
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
}

func setupTestServer(t *testing.T, chatURL string) (*Server, *os.File, io.ReadCloser, func()) {
	t.Helper()
	userDataDir := t.TempDir()

	settings := &config.Settings{}
	settings.SearchSettings.EmbeddingConfig.Configs = []config.EmbeddingConfigEntry{
		{Name: "stub", Model: "stub", InputLength: 512},
	}
	settings.ConversationSettings.GenerationModel = []config.GenerationModelEntry{
		{Name: "default", BaseURL: chatURL, Model: "test-model"},
	}
	require.NoError(t, config.WriteSettings(filepath.Join(userDataDir, "settings.json"), settings))

	inR, inW, err := os.Pipe()
	require.NoError(t, err)
	outR, outW, err := os.Pipe()
	require.NoError(t, err)

	srv, err := New(Options{
		UserDataDir: userDataDir,
		EmbedderFactory: func(store.EmbeddingConfig) (embed.Embedder, error) {
			return embed.NewStubEmbedder(8), nil
		},
		In:  inR,
		Out: outW,
	})
	require.NoError(t, err)

	cleanup := func() {
		_ = inW.Close()
		_ = outW.Close()
	}
	return srv, inW, outR, cleanup
}

func writeLine(t *testing.T, w io.Writer, env Envelope) {
	t.Helper()
	data, err := json.Marshal(env)
	require.NoError(t, err)
	data = append(data, '\n')
	_, err = w.Write(data)
	require.NoError(t, err)
}

func readEnvelopes(t *testing.T, r io.Reader) <-chan Envelope {
	t.Helper()
	ch := make(chan Envelope, 64)
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	go func() {
		defer close(ch)
		for scanner.Scan() {
			var env Envelope
			if err := json.Unmarshal(scanner.Bytes(), &env); err != nil {
				continue
			}
			ch <- env
		}
	}()
	return ch
}

func waitForType(t *testing.T, ch <-chan Envelope, msgType string, timeout time.Duration) Envelope {
	t.Helper()
	deadline := time.After(timeout)
	for {
		select {
		case env, ok := <-ch:
			if !ok {
				t.Fatalf("channel closed waiting for %s", msgType)
			}
			mt, err := messageType(env.Message)
			if err == nil && mt == msgType {
				return env
			}
		case <-deadline:
			t.Fatalf("timed out waiting for message type %s", msgType)
		}
	}
}

func TestServer_OpenRepoAndSearch(t *testing.T) {
	chatSrv := scriptedChatServer()
	defer chatSrv.Close()

	srv, inW, outR, cleanup := setupTestServer(t, chatSrv.URL)
	defer cleanup()

	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "note.md"), []byte("# Foo\n\nThe answer is 42.\n"), 0o644))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- srv.Run(ctx) }()

	events := readEnvelopes(t, outR)
	waitForType(t, events, MessageReady, 2*time.Second)

	writeLine(t, inW, Envelope{SessionID: 1, ToMain: true, Message: mustEncode(MessageCreateRepo, OpenRepoParams{Name: "r1", Path: root})})

	createReply := waitForType(t, events, MessageCreateRepo, 2*time.Second)
	require.NotNil(t, createReply.Status)
	assert.Equal(t, StatusSuccess, createReply.Status.Code)

	waitForType(t, events, MessageSessionPrepared, 2*time.Second)

	writeLine(t, inW, Envelope{SessionID: 1, ToMain: false, Message: mustEncode(MessageSearch, SearchParams{Query: "what is the answer?", Limit: 5})})

	waitForType(t, events, MessageRetrieval, 5*time.Second)
	waitForType(t, events, MessageAnswerChunk, 5*time.Second)
	searchReply := waitForType(t, events, MessageSearch, 5*time.Second)
	require.NotNil(t, searchReply.Status)
	assert.Equal(t, StatusSuccess, searchReply.Status.Code)

	_ = inW.Close()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("server did not shut down after input closed")
	}
}

func TestServer_OpenRepo_NotFound(t *testing.T) {
	chatSrv := scriptedChatServer()
	defer chatSrv.Close()

	srv, inW, outR, cleanup := setupTestServer(t, chatSrv.URL)
	defer cleanup()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- srv.Run(ctx) }()

	events := readEnvelopes(t, outR)
	waitForType(t, events, MessageReady, 2*time.Second)

	writeLine(t, inW, Envelope{SessionID: 1, ToMain: true, Message: mustEncode(MessageOpenRepo, OpenRepoParams{Name: "missing", Path: t.TempDir()})})

	reply := waitForType(t, events, MessageOpenRepo, 2*time.Second)
	require.NotNil(t, reply.Status)
	assert.Equal(t, StatusRepoNotFound, reply.Status.Code)

	_ = inW.Close()
	<-done
}
