// Package session implements spec §4.7: one session per UI window, owning
// one repository and one conversation state machine that chains
// plan -> retrieve -> evaluate -> answer. Grounded on the teacher's
// internal/session/manager.go (one-session-per-window lifecycle, atomic
// temp-file-then-rename persistence) and internal/async/status.go
// (mutex-guarded progress snapshot), generalized from the teacher's
// "switch between project indices" session to a conversation loop that
// drives internal/repository.Search and internal/llmclient.Client.
package session

import (
	"sync/atomic"
	"time"

	"github.com/LKLLLLLLLLLL/pocketrag-kernel/internal/repository"
)

// DefaultMaxSessions mirrors the teacher's default open-session cap.
const DefaultMaxSessions = 20

// maxEvaluateIterations is spec §4.7 step 3's "loop, up to 3 times".
const maxEvaluateIterations = 3

// EventKind distinguishes the events a conversation emits to its frontend
// sink (spec §4.8: "Conversation: retrieval and answer streaming events").
type EventKind string

const (
	// EventProgress forwards a docpipe/repository indexing progress event.
	EventProgress EventKind = "progress"
	// EventRetrieval fires once per plan/evaluate keyword after its
	// repository.Search call returns (spec §4.7 step 2: "Emit retrieval
	// events").
	EventRetrieval EventKind = "retrieval"
	// EventAnswerDelta carries one streamed fragment of the final answer.
	EventAnswerDelta EventKind = "answerDelta"
	// EventAnswerDone marks the end of the answer stream.
	EventAnswerDone EventKind = "answerDone"
	// EventError carries a non-fatal error surfaced mid-conversation (e.g.
	// one retrieval keyword's embed call failed); the loop continues.
	EventError EventKind = "error"
)

// Event is one conversation-loop notification. Only the fields relevant to
// Kind are populated.
type Event struct {
	Kind EventKind

	Keyword string
	Hits    []repository.Hit

	Progress repository.ProgressEvent

	Delta string

	Err error
}

// EventSink receives conversation events in emission order. Implementations
// must not block indefinitely; the conversation loop is otherwise
// single-threaded per session.
type EventSink func(Event)

// TranscriptEntry is one persisted conversation turn.
type TranscriptEntry struct {
	Role    string    `json:"role"`
	Content string    `json:"content"`
	At      time.Time `json:"at"`
}

// stopFlag is the cooperative cancellation point spec §5 "Cancellation"
// describes: "consulted by the conversation loop at every await point".
// Mirrors docpipe.StopFlag's Stopped() shape so the same convention holds
// across packages, without importing docpipe for a one-method interface.
type stopFlag struct {
	stopped atomic.Bool
}

func (f *stopFlag) Stopped() bool { return f.stopped.Load() }
func (f *stopFlag) Stop()         { f.stopped.Store(true) }
