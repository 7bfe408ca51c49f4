// Package kernelserver implements spec §4.8/§6: a singleton that owns the
// global settings store, the repository registry, and a newline-delimited
// JSON dispatcher reading requests from standard input. Grounded on the
// teacher's internal/daemon/protocol.go (request/response envelope,
// dispatch table, error-code taxonomy) and internal/daemon/server.go
// (the listen/dispatch/per-connection-handler shape), adapted from
// JSON-RPC 2.0 over a Unix socket to spec's own newline-delimited JSON
// envelope over stdio.
package kernelserver

import "encoding/json"

// StatusCode is spec §6's exact reply status vocabulary.
type StatusCode string

const (
	StatusSuccess            StatusCode = "SUCCESS"
	StatusWrongParam         StatusCode = "WRONG_PARAM"
	StatusSessionNotFound    StatusCode = "SESSION_NOT_FOUND"
	StatusRepoNotFound       StatusCode = "REPO_NOT_FOUND"
	StatusInvalidPath        StatusCode = "INVALID_PATH"
	StatusRepoNameExists     StatusCode = "REPO_NAME_EXISTS"
	StatusRepoNameNotMatch   StatusCode = "REPO_NAME_NOT_MATCH"
	StatusInvalidType        StatusCode = "INVALID_TYPE"
	StatusUnknownError       StatusCode = "UNKNOWN_ERROR"
)

// Message type names spec §6 lists by routing target.
const (
	// Outbound-only, sent by the server at startup.
	MessageReady = "ready"

	// toMain=true requests, handled by the server itself.
	MessageStopAll   = "stopAll"
	MessageGetRepos  = "getRepos"
	MessageOpenRepo  = "openRepo"
	MessageCreateRepo = "createRepo"
	MessageCloseRepo = "closeRepo"

	// toMain=false requests, routed to the session for sessionId.
	MessageSearch         = "search"
	MessageEmbeddingState = "embeddingState"
	MessageSessionPrepared = "sessionPrepared"

	// Outbound conversation events (session -> frontend, unsolicited).
	MessageRetrieval  = "retrieval"
	MessageAnswerChunk = "answerChunk"
	MessageAnswerDone  = "answerDone"
)

// mainSessionID addresses the server itself (spec §6: "sessionId=-1
// addresses the server itself").
const mainSessionID = -1

// Status is the optional reply status envelope field.
type Status struct {
	Code    StatusCode `json:"code"`
	Message string     `json:"message,omitempty"`
}

// Envelope is spec §6's exact wire shape: "Every message has
// {sessionId:int, toMain:bool, isReply:bool, callbackId:int,
// message:{type:string, ...}, status?:{code,message}, data?:{...}}".
type Envelope struct {
	SessionID  int             `json:"sessionId"`
	ToMain     bool            `json:"toMain"`
	IsReply    bool            `json:"isReply"`
	CallbackID int64           `json:"callbackId"`
	Message    json.RawMessage `json:"message"`
	Status     *Status         `json:"status,omitempty"`
	Data       json.RawMessage `json:"data,omitempty"`
}

// messageHeader peeks a message payload's type discriminator without
// committing to its full shape.
type messageHeader struct {
	Type string `json:"type"`
}

func messageType(msg json.RawMessage) (string, error) {
	var h messageHeader
	if err := json.Unmarshal(msg, &h); err != nil {
		return "", err
	}
	return h.Type, nil
}

func encodeMessage(msgType string, payload any) (json.RawMessage, error) {
	if payload == nil {
		return json.Marshal(map[string]string{"type": msgType})
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(body, &fields); err != nil {
		return nil, err
	}
	typeJSON, err := json.Marshal(msgType)
	if err != nil {
		return nil, err
	}
	fields["type"] = typeJSON
	return json.Marshal(fields)
}

// --- Payload shapes ---

// OpenRepoParams is shared by openRepo and createRepo.
type OpenRepoParams struct {
	Name string `json:"name"`
	Path string `json:"path"`
}

// CloseRepoParams names the repository (by name) to close.
type CloseRepoParams struct {
	Name string `json:"name"`
}

// RepoInfo is one entry of getRepos' reply data.
type RepoInfo struct {
	Name string `json:"name"`
	Path string `json:"path"`
}

// SearchParams is the session-routed "search" request payload.
type SearchParams struct {
	Query string `json:"query"`
	Limit int    `json:"limit"`
}

// SearchHit mirrors one repository.Hit for the wire.
type SearchHit struct {
	ChunkID    int64   `json:"chunkId"`
	Content    string  `json:"content"`
	Metadata   string  `json:"metadata,omitempty"`
	FusedScore float64 `json:"fusedScore"`
}

// RetrievalEventData is the "retrieval" outbound conversation event payload.
type RetrievalEventData struct {
	Keyword string      `json:"keyword"`
	Hits    []SearchHit `json:"hits"`
}

// AnswerChunkData is the "answerChunk" outbound conversation event payload.
type AnswerChunkData struct {
	Delta string `json:"delta"`
}

// EmbeddingStateResult is the "embeddingState" reply payload: a snapshot of
// the owning repository's consistency/progress, per spec §8 invariant (1).
type EmbeddingStateResult struct {
	ChunksChecked   int `json:"chunksChecked"`
	Inconsistencies int `json:"inconsistencies"`
}

// SessionPreparedData announces a window's session is ready to receive
// search/conversation requests, sent once openRepo/createRepo succeeds.
type SessionPreparedData struct {
	RepoName string `json:"repoName"`
}
