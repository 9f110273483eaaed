package session

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"inferd/internal/engine"
	"inferd/internal/kvcache"
	"inferd/internal/llmerr"
	"inferd/internal/model"
	"inferd/pkg/types"
)

// Defaults applied when corresponding Config fields are unset.
const (
	defaultStreamBuffer = 64
	defaultDrainTimeout = 5 * time.Second
)

// ErrClosed is returned by CreateSession after Close. Shutdown is a server
// condition, not a request defect, so it carries no taxonomy kind; the HTTP
// layer maps it to 503.
var ErrClosed = errors.New("session registry is shut down")

// Config encapsulates all tunables for Registry construction.
type Config struct {
	// Catalog is the table of discoverable model files.
	Catalog []types.Model
	// Backend provides the tokenizer/forward capabilities and EOS marker.
	Backend engine.Backend
	// BudgetBytes bounds the sum of all live KV cache allocations
	// (0 = unlimited).
	BudgetBytes int64
	// StreamBuffer is the per-session event buffer before drop-oldest.
	StreamBuffer int
	// DefaultModel is used when a request omits the model id.
	DefaultModel string
	// ContextSize applies to loads that do not specify one.
	ContextSize int
	Logger      zerolog.Logger
}

// Registry is the process-scoped table of loaded models and active
// generation sessions. It is the single point of truth for KV cache memory
// accounting and is passed explicitly to everything that needs it; there is
// no package-level state.
type Registry struct {
	log          zerolog.Logger
	backend      engine.Backend
	eng          *engine.Engine
	budgetBytes  int64
	streamBuffer int
	defaultModel string
	contextSize  int
	startTime    time.Time

	mu       sync.Mutex
	catalog  []types.Model
	handles  map[string]*model.Handle
	sessions map[string]*Session
	closed   bool

	usedBytes     atomic.Int64
	evictions     atomic.Uint64
	sessionsTotal atomic.Uint64
}

// NewRegistry constructs a Registry from Config, applying defaults.
func NewRegistry(cfg Config) *Registry {
	r := &Registry{
		log:          cfg.Logger,
		backend:      cfg.Backend,
		eng:          engine.New(cfg.Backend),
		budgetBytes:  cfg.BudgetBytes,
		streamBuffer: cfg.StreamBuffer,
		defaultModel: cfg.DefaultModel,
		contextSize:  cfg.ContextSize,
		startTime:    time.Now(),
		catalog:      cfg.Catalog,
		handles:      make(map[string]*model.Handle),
		sessions:     make(map[string]*Session),
	}
	if r.streamBuffer <= 0 {
		r.streamBuffer = defaultStreamBuffer
	}
	return r
}

// Models returns a copy of the discoverable model catalog.
func (r *Registry) Models() []types.Model {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]types.Model, len(r.catalog))
	copy(out, r.catalog)
	return out
}

func (r *Registry) catalogEntryLocked(id string) (types.Model, bool) {
	for _, m := range r.catalog {
		if m.ID == id {
			return m, true
		}
	}
	return types.Model{}, false
}

// LoadModel loads a catalog model into a handle. Idempotent while the handle
// is still loaded; a stale handle is replaced.
func (r *Registry) LoadModel(id string, contextSize int) (types.ModelInfo, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if h := r.handles[id]; h != nil && h.Loaded() {
		return modelInfo(h), nil
	}
	entry, ok := r.catalogEntryLocked(id)
	if !ok {
		return types.ModelInfo{}, llmerr.New(llmerr.KindModelNotFound, "model %q not in registry", id)
	}
	if contextSize == 0 {
		contextSize = r.contextSize
	}
	h, err := model.Load(entry.ID, entry.Path, contextSize)
	if err != nil {
		return types.ModelInfo{}, err
	}
	r.handles[id] = h
	r.log.Info().Str("model", id).Int("context_size", h.ContextSize()).
		Int("vocab_size", h.VocabSize()).Msg("model loaded")
	return modelInfo(h), nil
}

// UnloadModel marks the handle stale and removes it. In-flight sessions
// referencing it fail on their next decode step; unload never blocks on
// them.
func (r *Registry) UnloadModel(id string) error {
	r.mu.Lock()
	h := r.handles[id]
	delete(r.handles, id)
	r.mu.Unlock()
	if h == nil {
		return llmerr.New(llmerr.KindNoModelLoaded, "model %q is not loaded", id)
	}
	h.Unload()
	r.log.Info().Str("model", id).Msg("model unloaded")
	return nil
}

// ModelInfo reports metadata for a model id, loaded or not.
func (r *Registry) ModelInfo(id string) (types.ModelInfo, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if h := r.handles[id]; h != nil {
		return modelInfo(h), nil
	}
	if _, ok := r.catalogEntryLocked(id); ok {
		return types.ModelInfo{ID: id, Loaded: false}, nil
	}
	return types.ModelInfo{}, llmerr.New(llmerr.KindModelNotFound, "model %q not in registry", id)
}

func modelInfo(h *model.Handle) types.ModelInfo {
	return types.ModelInfo{
		ID:            h.ID(),
		Loaded:        h.Loaded(),
		VocabSize:     h.VocabSize(),
		ContextSize:   h.ContextSize(),
		EmbeddingSize: h.EmbeddingSize(),
		LayerCount:    h.LayerCount(),
		MemoryBytes:   h.MemoryBytes(),
	}
}

func (r *Registry) resolveLocked(modelID string) (*model.Handle, error) {
	if modelID == "" {
		modelID = r.defaultModel
		if modelID == "" {
			return nil, llmerr.New(llmerr.KindNoModelLoaded, "no model specified and no default configured")
		}
	}
	h := r.handles[modelID]
	if h == nil || !h.Loaded() {
		return nil, llmerr.New(llmerr.KindNoModelLoaded, "model %q is not loaded", modelID)
	}
	return h, nil
}

// Tokenize converts text to token ids for a loaded model.
func (r *Registry) Tokenize(modelID, text string) ([]int, error) {
	r.mu.Lock()
	h, err := r.resolveLocked(modelID)
	r.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return r.backend.Tokenize(h, text)
}

// Detokenize converts token ids back to text for a loaded model.
func (r *Registry) Detokenize(modelID string, tokens []int) (string, error) {
	r.mu.Lock()
	h, err := r.resolveLocked(modelID)
	r.mu.Unlock()
	if err != nil {
		return "", err
	}
	return r.backend.Detokenize(h, tokens)
}

// SetThreads forwards the thread count to the backend runtime.
func (r *Registry) SetThreads(n int) { r.backend.SetThreads(n) }

// SetGPULayers forwards GPU offload configuration to the backend runtime.
func (r *Registry) SetGPULayers(n int) { r.backend.SetGPULayers(n) }

// CreateSession validates parameters, admits a new KV cache against the
// budget (evicting idle caches LRU-first when needed), and registers the
// session. Validation failures leave no trace in the registry.
func (r *Registry) CreateSession(modelID, prompt string, p engine.Params) (*Session, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, ErrClosed
	}
	h, err := r.resolveLocked(modelID)
	if err != nil {
		return nil, err
	}
	need := kvcache.SizeBytes(h)
	if r.budgetBytes > 0 {
		for r.usedBytes.Load()+need > r.budgetBytes {
			if !r.evictIdleLocked() {
				return nil, llmerr.New(llmerr.KindOutOfMemory,
					"kv cache budget exhausted: need %d bytes, %d of %d in use",
					need, r.usedBytes.Load(), r.budgetBytes)
			}
		}
	}
	c, err := kvcache.New(h)
	if err != nil {
		return nil, err
	}
	r.usedBytes.Add(c.MemoryUsage())

	seed := p.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	s := &Session{
		id:         uuid.NewString(),
		handle:     h,
		cache:      c,
		params:     p,
		prompt:     prompt,
		eng:        r.eng,
		tok:        r.backend,
		eos:        r.backend.EOS(h),
		rng:        rand.New(rand.NewSource(seed)),
		log:        r.log,
		release:    r.releaseCache,
		done:       make(chan struct{}),
		stream:     newStream(r.streamBuffer),
		state:      StateCreated,
		lastActive: time.Now(),
	}
	r.sessions[s.id] = s
	r.sessionsTotal.Add(1)
	return s, nil
}

// Generate creates a session and starts its decode loop.
func (r *Registry) Generate(ctx context.Context, modelID, prompt string, p engine.Params) (*Session, error) {
	s, err := r.CreateSession(modelID, prompt, p)
	if err != nil {
		return nil, err
	}
	go s.Run(ctx)
	return s, nil
}

// evictIdleLocked releases the least-recently-used idle cache. A session is
// idle when its cache is still allocated but no decode loop owns it (waiting
// to start). Returns false when nothing is evictable.
func (r *Registry) evictIdleLocked() bool {
	var victim *Session
	var victimAt time.Time
	for _, s := range r.sessions {
		if s.cache.Released() {
			continue
		}
		st := s.State()
		if st == StateTokenizing || st == StateDecoding {
			continue
		}
		s.mu.Lock()
		at := s.lastActive
		s.mu.Unlock()
		if victim == nil || at.Before(victimAt) {
			victim = s
			victimAt = at
		}
	}
	if victim == nil {
		return false
	}
	r.evictions.Add(1)
	r.log.Info().Str("session", victim.id).Str("model", victim.handle.ID()).
		Msg("evicting idle kv cache")
	// finish releases the cache through releaseCache, which only touches
	// atomic accounting, so holding r.mu here is fine.
	victim.finish(StateFailed, FinishError,
		llmerr.New(llmerr.KindOutOfMemory, "kv cache evicted under memory pressure"))
	return true
}

// releaseCache returns a session's cache bytes to the budget. Called exactly
// once per session from its terminal transition.
func (r *Registry) releaseCache(s *Session) {
	freed := s.cache.Release()
	if freed > 0 {
		r.usedBytes.Add(-freed)
	}
}

// Get returns the session for id.
func (r *Registry) Get(id string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	return s, ok
}

// Cancel sets the cooperative cancellation flag for id. Idempotent; a no-op
// when the session is already terminal. Returns false for unknown ids.
func (r *Registry) Cancel(id string) bool {
	s, ok := r.Get(id)
	if !ok {
		return false
	}
	s.Cancel()
	return true
}

// Reap removes a terminal session from the table once its result has been
// consumed.
func (r *Registry) Reap(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok || !s.State().Terminal() {
		return false
	}
	delete(r.sessions, id)
	return true
}

// MemoryUsage returns the bytes committed to live KV caches.
func (r *Registry) MemoryUsage() int64 { return r.usedBytes.Load() }

// Evictions returns the number of caches evicted since start.
func (r *Registry) Evictions() uint64 { return r.evictions.Load() }

// Status builds the response for GET /status.
func (r *Registry) Status() types.StatusResponse {
	r.mu.Lock()
	defer r.mu.Unlock()
	resp := types.StatusResponse{
		BudgetBytes:    r.budgetBytes,
		UsedBytes:      r.usedBytes.Load(),
		EvictionsTotal: r.evictions.Load(),
		SessionsTotal:  r.sessionsTotal.Load(),
		UptimeSeconds:  int64(time.Since(r.startTime) / time.Second),
		ServerTimeUnix: time.Now().Unix(),
	}
	resp.Sessions = make([]types.SessionStatus, 0, len(r.sessions))
	for _, s := range r.sessions {
		resp.Sessions = append(resp.Sessions, s.Status())
	}
	resp.Models = make([]types.ModelInfo, 0, len(r.handles))
	for _, h := range r.handles {
		resp.Models = append(resp.Models, modelInfo(h))
	}
	return resp
}

// Ready reports whether at least one model handle is loaded.
func (r *Registry) Ready() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, h := range r.handles {
		if h.Loaded() {
			return true
		}
	}
	return false
}

// Close cancels all sessions, waits up to the drain timeout for them to
// finish, and unloads every handle.
func (r *Registry) Close(ctx context.Context) error {
	r.mu.Lock()
	r.closed = true
	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	handles := make([]*model.Handle, 0, len(r.handles))
	for _, h := range r.handles {
		handles = append(handles, h)
	}
	r.mu.Unlock()

	for _, s := range sessions {
		s.Cancel()
	}
	waitCtx, cancel := context.WithTimeout(ctx, defaultDrainTimeout)
	defer cancel()
	for _, s := range sessions {
		if !s.started.Load() {
			// Never ran; release its cache directly.
			s.finish(StateCancelled, FinishCancelled, nil)
			continue
		}
		select {
		case <-s.Done():
		case <-waitCtx.Done():
			r.log.Warn().Str("session", s.id).Msg("drain timeout; unloading anyway")
		}
	}
	for _, h := range handles {
		h.Unload()
	}
	return nil
}
