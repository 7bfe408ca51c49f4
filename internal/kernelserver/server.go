package kernelserver

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/LKLLLLLLLLLL/pocketrag-kernel/internal/config"
	"github.com/LKLLLLLLLLLL/pocketrag-kernel/internal/llmclient"
	"github.com/LKLLLLLLLLLL/pocketrag-kernel/internal/repository"
	"github.com/LKLLLLLLLLLL/pocketrag-kernel/internal/session"
)

// Options configures a Server.
type Options struct {
	// UserDataDir is the root of spec §6's "Global user data" layout:
	// <UserDataDir>/db/kernel.db and <UserDataDir>/settings.json.
	UserDataDir string

	// EmbedderFactory constructs embedders for each repository's
	// embedding configs (spec §4.6's per-config embedder).
	EmbedderFactory repository.EmbedderFactory

	In  io.Reader
	Out io.Writer
}

// Server is the spec §4.8 singleton: one global settings store, one
// repository registry, one stdio dispatcher. Grounded on the teacher's
// daemon.Server (listen/accept/dispatch shape), adapted from a
// Unix-socket-per-connection model to one long-lived stdio stream with a
// worker goroutine per open session (spec §5 "Scheduling": "a
// message-sender thread, one worker thread per open session ... plus the
// dispatcher on the main thread").
type Server struct {
	settings *config.Settings
	registry *repoRegistry
	sessions *session.Manager

	in  *bufio.Scanner
	out io.Writer

	writeMu sync.Mutex

	workersMu sync.Mutex
	workers   map[int]chan Envelope

	nextCallbackID atomic.Int64
	callbacksMu    sync.Mutex
	callbacks      map[int64]chan Envelope

	stopped atomic.Bool
}

// New builds a Server, loading settings.json and opening kernel.db.
func New(opts Options) (*Server, error) {
	settingsPath := filepath.Join(opts.UserDataDir, "settings.json")
	settings, err := config.LoadSettings(settingsPath)
	if err != nil {
		return nil, err
	}

	dbPath := filepath.Join(opts.UserDataDir, "db", "kernel.db")
	registry, err := newRepoRegistry(dbPath, opts.EmbedderFactory)
	if err != nil {
		return nil, err
	}

	sessionsDir := filepath.Join(opts.UserDataDir, "sessions")
	sessionMgr, err := session.NewManager(session.ManagerConfig{StoragePath: sessionsDir})
	if err != nil {
		return nil, err
	}

	scanner := bufio.NewScanner(opts.In)
	scanner.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)

	return &Server{
		settings: settings,
		registry: registry,
		sessions: sessionMgr,
		in:       scanner,
		out:      opts.Out,
		workers:  make(map[int]chan Envelope),
		callbacks: make(map[int64]chan Envelope),
	}, nil
}

// Run emits the startup "ready" message, then reads newline-delimited JSON
// envelopes from stdin until EOF or ctx is cancelled, dispatching each to
// the server (toMain) or to its session's worker goroutine.
func (s *Server) Run(ctx context.Context) error {
	if err := s.writeEnvelope(Envelope{SessionID: mainSessionID, ToMain: true, Message: mustEncode(MessageReady, nil)}); err != nil {
		return err
	}

	go func() {
		<-ctx.Done()
		s.stopped.Store(true)
	}()

	for s.in.Scan() {
		if s.stopped.Load() {
			break
		}
		line := s.in.Bytes()
		if len(line) == 0 {
			continue
		}

		var env Envelope
		if err := json.Unmarshal(line, &env); err != nil {
			slog.Error("malformed envelope", slog.String("error", err.Error()))
			continue
		}
		s.dispatch(ctx, env)
	}

	s.sessions.CloseAll()
	s.registry.closeAll()

	if err := s.in.Err(); err != nil {
		return err
	}
	return nil
}

func (s *Server) dispatch(ctx context.Context, env Envelope) {
	if env.IsReply {
		s.resolveCallback(env)
		return
	}
	if env.ToMain {
		go s.handleMain(ctx, env)
		return
	}
	s.sessionWorker(env.SessionID).queue(env)
}

type sessionWorkerHandle struct {
	ch chan Envelope
}

func (h *sessionWorkerHandle) queue(env Envelope) { h.ch <- env }

func (s *Server) sessionWorker(sessionID int) *sessionWorkerHandle {
	s.workersMu.Lock()
	defer s.workersMu.Unlock()

	ch, ok := s.workers[sessionID]
	if !ok {
		ch = make(chan Envelope, 16)
		s.workers[sessionID] = ch
		go s.runSessionWorker(sessionID, ch)
	}
	return &sessionWorkerHandle{ch: ch}
}

func (s *Server) runSessionWorker(sessionID int, ch chan Envelope) {
	for env := range ch {
		s.handleSession(context.Background(), sessionID, env)
	}
}

func (s *Server) stopSessionWorker(sessionID int) {
	s.workersMu.Lock()
	ch, ok := s.workers[sessionID]
	delete(s.workers, sessionID)
	s.workersMu.Unlock()
	if ok {
		close(ch)
	}
}

// resolveCallback delivers a reply to whoever is waiting on CallbackID
// (spec §4.8: "A callback registry correlates outbound requests with their
// eventual replies").
func (s *Server) resolveCallback(env Envelope) {
	s.callbacksMu.Lock()
	ch, ok := s.callbacks[env.CallbackID]
	if ok {
		delete(s.callbacks, env.CallbackID)
	}
	s.callbacksMu.Unlock()
	if ok {
		ch <- env
	}
}

func (s *Server) writeEnvelope(env Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	data = append(data, '\n')

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_, err = s.out.Write(data)
	return err
}

func (s *Server) reply(req Envelope, code StatusCode, message string, data any) {
	var raw json.RawMessage
	if data != nil {
		encoded, err := json.Marshal(data)
		if err == nil {
			raw = encoded
		}
	}
	_ = s.writeEnvelope(Envelope{
		SessionID:  req.SessionID,
		ToMain:     req.ToMain,
		IsReply:    true,
		CallbackID: req.CallbackID,
		Message:    req.Message,
		Status:     &Status{Code: code, Message: message},
		Data:       raw,
	})
}

// replyOK is the common case: a successful reply carrying data.
func (s *Server) replyOK(req Envelope, data any) {
	s.reply(req, StatusSuccess, "", data)
}

func (s *Server) replyUnknownError(req Envelope, err error) {
	slog.Error("request failed", slog.String("error", err.Error()))
	s.reply(req, StatusUnknownError, err.Error(), nil)
}

func mustEncode(msgType string, payload any) json.RawMessage {
	raw, err := encodeMessage(msgType, payload)
	if err != nil {
		return json.RawMessage(`{"type":"` + msgType + `"}`)
	}
	return raw
}

var errGenerationModelMissing = errors.New("no generation model configured")

// generationModelConfig picks this kernel's default conversation backend
// (spec §4.7 names the LLM client only by interface, not by selection
// policy across multiple configured models; this implementation uses the
// first configured generation model as the default one — see DESIGN.md).
func (s *Server) generationModelConfig() (llmclient.Config, error) {
	models := s.settings.ConversationSettings.GenerationModel
	if len(models) == 0 {
		return llmclient.Config{}, errGenerationModelMissing
	}
	m := models[0]
	cfg := llmclient.DefaultConfig()
	cfg.BaseURL = m.BaseURL
	cfg.APIKey = m.APIKey
	cfg.Model = m.Model
	return cfg, nil
}
