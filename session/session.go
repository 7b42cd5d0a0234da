// Package session serializes questions from one conversation through the
// reasoning loop and keeps that conversation's memory.
//
// Information Hiding:
// - Busy flag and reset generation hidden
// - Panic and timeout conversion to the fallback text hidden
// - Audit recording hidden
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/richinex/mped/agent"
	"github.com/richinex/mped/metrics"
	"github.com/richinex/mped/model"
	"github.com/richinex/mped/storage"
)

// BusyMessage is returned while an earlier question of the same session is
// still being answered.
const BusyMessage = "I'm still working on your previous question. Please wait a moment and try again."

// DefaultAskTimeout bounds one question end to end.
const DefaultAskTimeout = 2 * time.Minute

// ErrBusy is returned by TryAsk when another ask is in flight.
var ErrBusy = errors.New("session: previous question still in progress")

// Asker answers one question given the remembered turns. *agent.Agent
// implements it.
type Asker interface {
	Ask(ctx context.Context, question string, history []model.Turn) agent.Response
}

// AskerFunc adapts a function to Asker.
type AskerFunc func(ctx context.Context, question string, history []model.Turn) agent.Response

// Ask calls f.
func (f AskerFunc) Ask(ctx context.Context, question string, history []model.Turn) agent.Response {
	return f(ctx, question, history)
}

// Options configures a session.
type Options struct {
	// MemoryTurns is the conversation memory capacity.
	MemoryTurns int

	// AskTimeout bounds one question. Zero uses DefaultAskTimeout.
	AskTimeout time.Duration

	// Audit, when set, receives every answered question and its trace.
	Audit *storage.AuditLog

	Logger *slog.Logger
}

func (o Options) withDefaults() Options {
	if o.MemoryTurns <= 0 {
		o.MemoryTurns = storage.DefaultConversationTurns
	}
	if o.AskTimeout <= 0 {
		o.AskTimeout = DefaultAskTimeout
	}
	if o.Logger == nil {
		o.Logger = slog.New(slog.DiscardHandler)
	}
	return o
}

// Session is one conversation: a loop, its memory and an opaque id.
// At most one question is answered at a time.
type Session struct {
	asker  Asker
	opts   Options
	memory *storage.Conversation
	busy   atomic.Bool

	mu    sync.RWMutex
	id    string
	gen   uint64 // bumped by Reset; an ask only keeps its turn if gen is unchanged
	trace []model.QueryAttempt
}

// New creates a session with a fresh id and empty memory.
func New(asker Asker, opts Options) *Session {
	opts = opts.withDefaults()
	return &Session{
		asker:  asker,
		opts:   opts,
		memory: storage.NewConversation(opts.MemoryTurns),
		id:     uuid.NewString(),
	}
}

// ID returns the current session id. Reset changes it.
func (s *Session) ID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.id
}

// History returns the remembered turns, oldest first.
func (s *Session) History() []model.Turn {
	return s.memory.Recent()
}

// LastTrace returns the query attempts of the most recent question.
func (s *Session) LastTrace() []model.QueryAttempt {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]model.QueryAttempt(nil), s.trace...)
}

// Busy reports whether a question is being answered.
func (s *Session) Busy() bool {
	return s.busy.Load()
}

// Ask answers question. The reply is never empty: failures become the
// fallback text and a concurrent ask gets BusyMessage.
func (s *Session) Ask(ctx context.Context, question string) string {
	resp, err := s.TryAsk(ctx, question)
	if err != nil {
		return BusyMessage
	}
	return resp.Answer
}

// TryAsk is Ask with the full response. It returns ErrBusy without waiting
// when another question is in flight.
func (s *Session) TryAsk(ctx context.Context, question string) (agent.Response, error) {
	if !s.busy.CompareAndSwap(false, true) {
		metrics.BusyRejectionsTotal.Inc()
		s.opts.Logger.Info("session: busy, question rejected", "session", s.ID())
		return agent.Response{Answer: BusyMessage, Outcome: agent.OutcomeFallback, Err: ErrBusy}, ErrBusy
	}
	defer s.busy.Store(false)

	return s.ask(ctx, question), nil
}

func (s *Session) ask(ctx context.Context, question string) (resp agent.Response) {
	s.mu.RLock()
	id, gen := s.id, s.gen
	s.mu.RUnlock()
	log := s.opts.Logger.With("session", id)

	question = strings.TrimSpace(question)
	if question == "" {
		return fallback(errors.New("empty question"))
	}

	defer func() {
		if r := recover(); r != nil {
			log.Error("session: ask panicked", "panic", r)
			resp = fallback(fmt.Errorf("panic: %v", r))
		}
	}()

	ctx, cancel := context.WithTimeout(ctx, s.opts.AskTimeout)
	defer cancel()

	resp = s.asker.Ask(ctx, question, s.memory.Recent())
	if strings.TrimSpace(resp.Answer) == "" {
		err := resp.Err
		if err == nil {
			err = errors.New("empty answer")
		}
		trace := resp.Trace
		resp = fallback(err)
		resp.Trace = trace
	}

	// A Reset while the loop ran started another conversation; the reply is
	// still returned but belongs to neither conversation's memory or audit.
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gen != gen {
		log.Info("session: reset during ask, turn not kept")
		return resp
	}
	s.trace = resp.Trace
	if resp.Outcome != agent.OutcomeFallback {
		s.memory.Append(model.Turn{Question: question, Answer: resp.Answer})
	}
	s.record(ctx, log, id, question, resp)
	return resp
}

func (s *Session) record(ctx context.Context, log *slog.Logger, id, question string, resp agent.Response) {
	if s.opts.Audit == nil {
		return
	}
	_, err := s.opts.Audit.RecordTurn(context.WithoutCancel(ctx), storage.TurnRecord{
		SessionID:  id,
		Question:   question,
		Answer:     resp.Answer,
		Outcome:    resp.Outcome.String(),
		Iterations: resp.Iterations,
		Attempts:   resp.Trace,
	})
	if err != nil {
		log.Warn("session: audit record failed", "error", err)
	}
}

// Reset starts a new conversation: new id, empty memory, no trace. Calling
// it again leaves the session in the same empty state. It returns the new id.
func (s *Session) Reset() string {
	s.mu.Lock()
	old := s.id
	s.id = uuid.NewString()
	s.gen++
	s.trace = nil
	s.memory.Clear()
	id := s.id
	s.mu.Unlock()

	s.opts.Logger.Info("session: reset", "session", id, "previous", old)
	return id
}

func fallback(err error) agent.Response {
	return agent.Response{
		Answer:  agent.FallbackAnswer,
		Outcome: agent.OutcomeFallback,
		Err:     err,
	}
}
