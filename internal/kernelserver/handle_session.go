package kernelserver

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/LKLLLLLLLLLL/pocketrag-kernel/internal/repository"
	"github.com/LKLLLLLLLLLL/pocketrag-kernel/internal/session"
)

// handleSession serves the toMain=false request types spec §6 lists:
// search, embeddingState, sessionPrepared. Runs on sessionID's dedicated
// worker goroutine, so concurrent requests for the same window are
// serialized the way spec §5's "one worker thread per open session"
// describes.
func (s *Server) handleSession(ctx context.Context, sessionID int, req Envelope) {
	msgType, err := messageType(req.Message)
	if err != nil {
		s.reply(req, StatusWrongParam, "malformed message", nil)
		return
	}

	sess, ok := s.sessions.Get(sessionID)
	if !ok {
		s.reply(req, StatusSessionNotFound, "session not found", nil)
		return
	}

	switch msgType {
	case MessageSearch:
		s.handleSessionSearch(ctx, sess, req)
	case MessageEmbeddingState:
		s.handleEmbeddingState(ctx, sess, req)
	case MessageSessionPrepared:
		s.replyOK(req, SessionPreparedData{RepoName: sess.RepoName})
	default:
		s.reply(req, StatusInvalidType, "unknown message type: "+msgType, nil)
	}
}

// handleSessionSearch runs spec §4.7's full plan -> retrieve -> evaluate ->
// answer loop for one user query, streaming retrieval/answer events as
// unsolicited outbound envelopes and replying once the answer completes.
func (s *Server) handleSessionSearch(ctx context.Context, sess *session.Session, req Envelope) {
	var params SearchParams
	if err := json.Unmarshal(req.Message, &params); err != nil {
		s.reply(req, StatusWrongParam, "malformed search params", nil)
		return
	}
	if params.Query == "" {
		s.reply(req, StatusWrongParam, "query is required", nil)
		return
	}

	err := sess.Ask(ctx, params.Query, func(ev session.Event) {
		switch ev.Kind {
		case session.EventRetrieval:
			_ = s.writeEnvelope(Envelope{
				SessionID: req.SessionID,
				Message:   mustEncode(MessageRetrieval, RetrievalEventData{Keyword: ev.Keyword, Hits: toWireHits(ev.Hits)}),
			})
		case session.EventAnswerDelta:
			_ = s.writeEnvelope(Envelope{
				SessionID: req.SessionID,
				Message:   mustEncode(MessageAnswerChunk, AnswerChunkData{Delta: ev.Delta}),
			})
		case session.EventAnswerDone:
			_ = s.writeEnvelope(Envelope{
				SessionID: req.SessionID,
				Message:   mustEncode(MessageAnswerDone, nil),
			})
		case session.EventError:
			slog.Warn("conversation step failed", slog.String("error", ev.Err.Error()))
		}
	})
	if err != nil {
		s.replyUnknownError(req, err)
		return
	}
	s.replyOK(req, nil)
}

func (s *Server) handleEmbeddingState(ctx context.Context, sess *session.Session, req Envelope) {
	report, err := sess.Repository().CheckConsistency(ctx)
	if err != nil {
		s.replyUnknownError(req, err)
		return
	}
	s.replyOK(req, EmbeddingStateResult{
		ChunksChecked:   report.ChunksChecked,
		Inconsistencies: len(report.Inconsistencies),
	})
}

func toWireHits(hits []repository.Hit) []SearchHit {
	wire := make([]SearchHit, 0, len(hits))
	for _, h := range hits {
		wire = append(wire, SearchHit{
			ChunkID:    h.ChunkID,
			Content:    h.Content,
			Metadata:   h.Metadata,
			FusedScore: h.FusedScore,
		})
	}
	return wire
}
