package kernelserver

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"

	"github.com/LKLLLLLLLLLL/pocketrag-kernel/internal/config"
	"github.com/LKLLLLLLLLLL/pocketrag-kernel/internal/repository"
)

// handleMain serves the toMain=true request types spec §6 lists: stopAll,
// getRepos, openRepo, createRepo, closeRepo. Internal failures never
// escape this boundary (spec §5 "Error propagation": "internal failures
// never crash the session thread — they are caught at the
// message-handling boundary and reported as UNKNOWN_ERROR").
func (s *Server) handleMain(ctx context.Context, req Envelope) {
	msgType, err := messageType(req.Message)
	if err != nil {
		s.reply(req, StatusWrongParam, "malformed message", nil)
		return
	}

	switch msgType {
	case MessageStopAll:
		s.handleStopAll(req)
	case MessageGetRepos:
		s.handleGetRepos(ctx, req)
	case MessageOpenRepo:
		s.handleOpenOrCreateRepo(ctx, req, false)
	case MessageCreateRepo:
		s.handleOpenOrCreateRepo(ctx, req, true)
	case MessageCloseRepo:
		s.handleCloseRepo(ctx, req)
	default:
		s.reply(req, StatusInvalidType, "unknown message type: "+msgType, nil)
	}
}

func (s *Server) handleStopAll(req Envelope) {
	s.sessions.CloseAll()
	s.registry.closeAll()
	s.replyOK(req, nil)
}

func (s *Server) handleGetRepos(ctx context.Context, req Envelope) {
	infos, err := s.registry.list(ctx)
	if err != nil {
		s.replyUnknownError(req, err)
		return
	}
	s.replyOK(req, infos)
}

func (s *Server) handleOpenOrCreateRepo(ctx context.Context, req Envelope, create bool) {
	var params OpenRepoParams
	if err := json.Unmarshal(req.Message, &params); err != nil {
		s.reply(req, StatusWrongParam, "malformed openRepo/createRepo params", nil)
		return
	}
	if params.Name == "" || params.Path == "" {
		s.reply(req, StatusWrongParam, "name and path are required", nil)
		return
	}

	absPath, err := filepath.Abs(params.Path)
	if err != nil {
		s.reply(req, StatusInvalidPath, err.Error(), nil)
		return
	}

	if create {
		dataDir := filepath.Join(absPath, ".pocketrag")
		if err := s.registry.create(ctx, params.Name, absPath, dataDir); err != nil {
			if errors.Is(err, errRepoNameExists) {
				s.reply(req, StatusRepoNameExists, "repository name already exists", nil)
				return
			}
			s.replyUnknownError(req, err)
			return
		}
	} else {
		entry, err := s.registry.lookup(ctx, params.Name)
		if err != nil {
			s.reply(req, StatusRepoNotFound, "repository not found", nil)
			return
		}
		if entry.Path != absPath {
			s.reply(req, StatusRepoNameNotMatch, "repository name does not match the given path", nil)
			return
		}
	}

	entry, err := s.registry.lookup(ctx, params.Name)
	if err != nil {
		s.replyUnknownError(req, err)
		return
	}

	repo, err := s.registry.openRepository(ctx, entry.Name, repository.Options{
		Root:    entry.Path,
		DataDir: entry.DataDir,
		Config:  config.NewConfig(),
	})
	if err != nil {
		s.replyUnknownError(req, err)
		return
	}

	if err := s.applyEmbeddingConfigs(ctx, repo); err != nil {
		s.replyUnknownError(req, err)
		return
	}

	llmCfg, err := s.generationModelConfig()
	if err != nil {
		s.replyUnknownError(req, err)
		return
	}

	if _, err := s.sessions.Open(req.SessionID, entry.Name, repo, llmCfg); err != nil {
		s.replyUnknownError(req, err)
		return
	}

	s.replyOK(req, RepoInfo{Name: entry.Name, Path: entry.Path})

	_ = s.writeEnvelope(Envelope{
		SessionID: req.SessionID,
		ToMain:    false,
		Message:   mustEncode(MessageSessionPrepared, SessionPreparedData{RepoName: entry.Name}),
	})
}

// applyEmbeddingConfigs feeds the globally configured embedding models
// (settings.json's searchSettings.embeddingConfig, spec §6) into a
// newly-opened repository, so it has at least one vector table to search
// against without a separate wire message for embedding configuration.
func (s *Server) applyEmbeddingConfigs(ctx context.Context, repo *repository.Repository) error {
	entries := s.settings.SearchSettings.EmbeddingConfig.Configs
	if len(entries) == 0 {
		return nil
	}
	configs := make([]repository.NewEmbeddingConfig, 0, len(entries))
	for _, e := range entries {
		configs = append(configs, repository.NewEmbeddingConfig{
			ConfigName:     e.Name,
			ModelName:      e.Model,
			ModelPath:      e.Path,
			MaxInputLength: e.InputLength,
		})
	}
	return repo.ConfigureEmbedding(ctx, configs)
}

func (s *Server) handleCloseRepo(ctx context.Context, req Envelope) {
	var params CloseRepoParams
	if err := json.Unmarshal(req.Message, &params); err != nil {
		s.reply(req, StatusWrongParam, "malformed closeRepo params", nil)
		return
	}
	if params.Name == "" {
		s.reply(req, StatusWrongParam, "name is required", nil)
		return
	}

	if _, ok := s.registry.getOpen(params.Name); !ok {
		s.reply(req, StatusRepoNotFound, "repository not open", nil)
		return
	}

	s.sessions.Close(req.SessionID)
	s.stopSessionWorker(req.SessionID)
	if err := s.registry.closeRepository(params.Name); err != nil {
		s.replyUnknownError(req, err)
		return
	}
	s.replyOK(req, nil)
}
