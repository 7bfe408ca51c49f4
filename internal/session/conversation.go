package session

import (
	"context"
	"fmt"
	"strings"

	"github.com/LKLLLLLLLLLL/pocketrag-kernel/internal/llmclient"
	"github.com/LKLLLLLLLLLL/pocketrag-kernel/internal/repository"
)

const retrievalLimit = 8

const planSystemPrompt = `You are the retrieval planner for a local document search assistant.
Given the user's question, reply with search keywords that would find the most relevant passages.
Put each keyword on its own line inside a single ` + "```search```" + ` fenced block, and nothing else.`

const evaluateSystemPromptPrefix = `You are deciding whether the retrieved context below is enough to answer the user's question.
If it is enough, reply with exactly YES.
If it is not enough, reply with NO followed by a ` + "```search```" + ` fenced block of new search keywords, one per line.`

const answerSystemPrompt = `You are a helpful assistant answering questions about the user's own repository of notes and documents.
Answer using only the retrieved context provided. If the context does not contain the answer, say so.`

// Ask runs spec §4.7's plan -> retrieve -> evaluate -> answer loop for one
// user query, emitting events to sink as it goes. The query is appended to
// the transcript at the start and the answer once it completes. It returns once the answer
// stream is fully drained (or aborted).
func (s *Session) Ask(ctx context.Context, query string, sink EventSink) error {
	s.appendTranscript("user", query)

	keywords, err := s.plan(ctx, query)
	if err != nil {
		return err
	}

	var retrieved string
	for iter := 0; iter < maxEvaluateIterations; iter++ {
		if s.stop.Stopped() {
			return nil
		}

		retrieved = s.retrieve(ctx, keywords, sink)

		if s.stop.Stopped() {
			return nil
		}

		suffices, newKeywords, err := s.evaluate(ctx, query, retrieved)
		if err != nil {
			sink(Event{Kind: EventError, Err: err})
			break
		}
		if suffices || len(newKeywords) == 0 {
			break
		}
		keywords = newKeywords
	}

	if s.stop.Stopped() {
		return nil
	}

	return s.answer(ctx, query, retrieved, sink)
}

// plan is spec §4.7 step 1: ask the LLM for search keywords inside a
// ```search``` fence, one keyword per line.
func (s *Session) plan(ctx context.Context, query string) ([]string, error) {
	reply, err := s.completeOnce(ctx, []llmclient.Message{
		{Role: llmclient.RoleSystem, Content: planSystemPrompt},
		{Role: llmclient.RoleUser, Content: query},
	})
	if err != nil {
		return nil, err
	}
	keywords := parseFence(reply, "search")
	if len(keywords) == 0 {
		// No parseable fence: fall back to the raw query as the only keyword
		// rather than retrieving nothing.
		return []string{query}, nil
	}
	return keywords, nil
}

// retrieve is spec §4.7 step 2: run repository.search for each keyword,
// concatenate top results into a ```retrieved_information``` block, and
// emit one retrieval event per keyword.
func (s *Session) retrieve(ctx context.Context, keywords []string, sink EventSink) string {
	var b strings.Builder
	b.WriteString("```retrieved_information\n")

	for _, kw := range keywords {
		if s.stop.Stopped() {
			break
		}
		results, err := s.repo.Search(ctx, kw, retrievalLimit)
		if err != nil {
			sink(Event{Kind: EventError, Err: err})
			continue
		}

		var hits []repository.Hit
		for _, r := range results {
			hits = append(hits, r.Hits...)
		}
		sink(Event{Kind: EventRetrieval, Keyword: kw, Hits: hits})

		for _, h := range hits {
			fmt.Fprintf(&b, "[%s] %s\n", kw, h.Content)
		}
	}

	b.WriteString("```")
	return b.String()
}

// evaluate is spec §4.7 step 3: ask the LLM whether the retrieved context
// suffices. "If it answers YES or doesn't emit NO with new search
// keywords, proceed."
func (s *Session) evaluate(ctx context.Context, query, retrieved string) (suffices bool, newKeywords []string, err error) {
	prompt := evaluateSystemPromptPrefix + "\n\nQuestion: " + query + "\n\n" + retrieved
	reply, err := s.completeOnce(ctx, []llmclient.Message{
		{Role: llmclient.RoleSystem, Content: prompt},
	})
	if err != nil {
		return false, nil, err
	}

	trimmed := strings.TrimSpace(reply)
	if !strings.HasPrefix(strings.ToUpper(trimmed), "NO") {
		return true, nil, nil
	}
	kws := parseFence(reply, "search")
	if len(kws) == 0 {
		return true, nil, nil
	}
	return false, kws, nil
}

// answer is spec §4.7 step 4: stream the final answer back to the
// frontend and persist the transcript.
func (s *Session) answer(ctx context.Context, query, retrieved string, sink EventSink) error {
	events, err := s.llm.ChatStream(ctx, []llmclient.Message{
		{Role: llmclient.RoleSystem, Content: answerSystemPrompt},
		{Role: llmclient.RoleUser, Content: retrieved + "\n\nQuestion: " + query},
	})
	if err != nil {
		return err
	}

	var full strings.Builder
	for ev := range events {
		if s.stop.Stopped() {
			break
		}
		if ev.Err != nil {
			sink(Event{Kind: EventError, Err: ev.Err})
			return ev.Err
		}
		if ev.Delta != "" {
			full.WriteString(ev.Delta)
			sink(Event{Kind: EventAnswerDelta, Delta: ev.Delta})
		}
		if ev.Done {
			break
		}
	}
	sink(Event{Kind: EventAnswerDone})
	s.appendTranscript("assistant", full.String())
	return nil
}

// completeOnce drains one non-streamed-to-frontend chat completion (used
// for the plan/evaluate steps, whose output is consumed internally rather
// than streamed to the user) into a single string.
func (s *Session) completeOnce(ctx context.Context, messages []llmclient.Message) (string, error) {
	events, err := s.llm.ChatStream(ctx, messages)
	if err != nil {
		return "", err
	}
	var b strings.Builder
	for ev := range events {
		if ev.Err != nil {
			return "", ev.Err
		}
		b.WriteString(ev.Delta)
		if ev.Done {
			break
		}
	}
	return b.String(), nil
}

// parseFence extracts the body of the first ```<name> fenced block in text
// and returns its non-blank lines.
func parseFence(text, name string) []string {
	open := "```" + name
	start := strings.Index(text, open)
	if start == -1 {
		return nil
	}
	rest := text[start+len(open):]
	end := strings.Index(rest, "```")
	if end == -1 {
		end = len(rest)
	}
	body := rest[:end]

	var lines []string
	for _, line := range strings.Split(body, "\n") {
		line = strings.TrimSpace(line)
		if line != "" {
			lines = append(lines, line)
		}
	}
	return lines
}
