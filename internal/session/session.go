package session

import (
	"context"
	"math/rand"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"inferd/internal/engine"
	"inferd/internal/kvcache"
	"inferd/internal/llmerr"
	"inferd/internal/model"
	"inferd/pkg/types"
)

// State is the lifecycle state of a generation session.
type State string

const (
	StateCreated    State = "created"
	StateTokenizing State = "tokenizing"
	StateDecoding   State = "decoding"
	StateCompleted  State = "completed"
	StateCancelled  State = "cancelled"
	StateFailed     State = "failed"
)

// Terminal reports whether the state ends the session.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateCancelled || s == StateFailed
}

// Finish reasons carried on the terminal stream event and final result.
const (
	FinishStop      = "stop"
	FinishLength    = "length"
	FinishCacheFull = "cache_full"
	FinishCancelled = "cancelled"
	FinishError     = "error"
)

// Result is the consumable outcome of a finished session.
type Result struct {
	Text         string
	FinishReason string
	Usage        types.Usage
	Err          error
}

// Session drives one generation request: prompt tokenization, the decode
// loop, sampling, and stream emission. It exclusively owns its KVCache for
// the duration of the decode loop; the registry releases the cache exactly
// once on the terminal transition.
type Session struct {
	id      string
	handle  *model.Handle
	cache   *kvcache.Cache
	params  engine.Params
	prompt  string
	eng     *engine.Engine
	tok     engine.Tokenizer
	eos     int
	rng     *rand.Rand
	log     zerolog.Logger
	release func(*Session)

	started   atomic.Bool
	cancelled atomic.Bool
	finished  sync.Once
	done      chan struct{}
	stream    *stream

	mu           sync.Mutex
	state        State
	promptTokens int
	output       []int
	text         strings.Builder
	finishReason string
	err          error
	lastActive   time.Time
}

// ID returns the session id.
func (s *Session) ID() string { return s.id }

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Events returns the session's output stream. The channel is closed after
// the terminal event.
func (s *Session) Events() <-chan Event { return s.stream.events() }

// Done is closed when the session reaches a terminal state.
func (s *Session) Done() <-chan struct{} { return s.done }

// Cancel requests cooperative cancellation, taking effect at the next decode
// step boundary. Idempotent; a no-op once the session is terminal.
func (s *Session) Cancel() { s.cancelled.Store(true) }

// Result returns the outcome once the session is terminal. Before that it
// reports a snapshot with an empty finish reason.
func (s *Session) Result() Result {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Result{
		Text:         s.text.String(),
		FinishReason: s.finishReason,
		Usage: types.Usage{
			PromptTokens:     s.promptTokens,
			CompletionTokens: len(s.output),
			TotalTokens:      s.promptTokens + len(s.output),
		},
		Err: s.err,
	}
}

// OutputTokens returns a copy of the generated token ids so far.
func (s *Session) OutputTokens() []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]int, len(s.output))
	copy(out, s.output)
	return out
}

// ClearCache resets the cache fill length without deallocating. Rejected
// while the decode loop owns the cache.
func (s *Session) ClearCache() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateTokenizing || s.state == StateDecoding {
		return llmerr.New(llmerr.KindInvalidParameters, "session %s is %s; cannot clear cache", s.id, s.state)
	}
	s.cache.Clear()
	return nil
}

// Status projects the session for the status surface.
func (s *Session) Status() types.SessionStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return types.SessionStatus{
		ID:            s.id,
		Model:         s.handle.ID(),
		State:         string(s.state),
		OutputTokens:  len(s.output),
		CacheLength:   s.cache.Len(),
		CacheBytes:    s.cache.MemoryUsage(),
		DroppedTokens: s.stream.droppedCount(),
		LastActive:    s.lastActive.Unix(),
	}
}

// Run executes the session to a terminal state. It must be called at most
// once; the registry enforces the single-decoder-per-cache rule through the
// started flag. Cancellation is checked between decode steps, never mid-step.
func (s *Session) Run(ctx context.Context) {
	if !s.started.CompareAndSwap(false, true) {
		return
	}
	select {
	case <-s.done:
		// Evicted before starting.
		return
	default:
	}

	s.setState(StateTokenizing)
	tokens, err := s.tok.Tokenize(s.handle, s.prompt)
	if err != nil {
		if llmerr.KindOf(err) == llmerr.KindUnknown {
			err = llmerr.Wrap(llmerr.KindTokenizationFailed, err, "tokenize prompt")
		}
		s.finish(StateFailed, FinishError, err)
		return
	}
	if len(tokens) == 0 {
		s.finish(StateFailed, FinishError, llmerr.New(llmerr.KindTokenizationFailed, "prompt produced no tokens"))
		return
	}
	s.mu.Lock()
	s.promptTokens = len(tokens)
	s.mu.Unlock()

	s.setState(StateDecoding)

	// Prefill: feed prompt tokens through the cache. Running out of context
	// here is the same resource boundary as during generation.
	var logits []float32
	for _, t := range tokens {
		if s.checkCancel(ctx) {
			return
		}
		if s.cache.Full() {
			s.finish(StateCompleted, FinishCacheFull, nil)
			return
		}
		logits, err = s.eng.DecodeStep(ctx, s.handle, s.cache, t)
		if err != nil {
			s.finish(StateFailed, FinishError, err)
			return
		}
	}

	for {
		if s.checkCancel(ctx) {
			return
		}
		next := engine.Sample(logits, s.params, s.rng)
		if next == s.eos {
			s.finish(StateCompleted, FinishStop, nil)
			return
		}
		piece, err := s.tok.Detokenize(s.handle, []int{next})
		if err != nil {
			if llmerr.KindOf(err) == llmerr.KindUnknown {
				err = llmerr.Wrap(llmerr.KindTokenizationFailed, err, "detokenize")
			}
			s.finish(StateFailed, FinishError, err)
			return
		}
		s.mu.Lock()
		s.output = append(s.output, next)
		s.text.WriteString(piece)
		s.lastActive = time.Now()
		n := len(s.output)
		s.mu.Unlock()
		s.stream.push(Event{Token: piece, TokenID: next})

		if n >= s.params.MaxTokens {
			s.finish(StateCompleted, FinishLength, nil)
			return
		}
		if s.cache.Full() {
			s.finish(StateCompleted, FinishCacheFull, nil)
			return
		}
		logits, err = s.eng.DecodeStep(ctx, s.handle, s.cache, next)
		if err != nil {
			s.finish(StateFailed, FinishError, err)
			return
		}
	}
}

// checkCancel handles the cooperative cancellation boundary. Partial output
// stays available through Result.
func (s *Session) checkCancel(ctx context.Context) bool {
	if s.cancelled.Load() || ctx.Err() != nil {
		s.finish(StateCancelled, FinishCancelled, nil)
		return true
	}
	return false
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	if !s.state.Terminal() {
		s.state = st
		s.lastActive = time.Now()
	}
	s.mu.Unlock()
}

// finish performs the terminal transition exactly once: records the outcome,
// releases the KVCache back to the registry, emits the terminal stream event,
// and closes done.
func (s *Session) finish(st State, reason string, err error) {
	s.finished.Do(func() {
		s.mu.Lock()
		s.state = st
		s.finishReason = reason
		s.err = err
		s.lastActive = time.Now()
		outLen := len(s.output)
		s.mu.Unlock()

		s.release(s)

		ev := Event{Done: true, FinishReason: reason, Err: err}
		s.stream.finish(ev)
		close(s.done)

		e := s.log.Info().Str("session", s.id).Str("model", s.handle.ID()).
			Str("state", string(st)).Str("finish_reason", reason).
			Int("output_tokens", outLen)
		if err != nil {
			e = e.Err(err)
		}
		e.Msg("session finished")
	})
}
