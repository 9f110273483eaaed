package httpapi

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"inferd/internal/engine"
	"inferd/internal/llmerr"
	"inferd/internal/session"
	"inferd/pkg/types"
)

// Service defines the methods required by the HTTP API layer.
type Service interface {
	Models() []types.Model
	LoadModel(id string, contextSize int) (types.ModelInfo, error)
	UnloadModel(id string) error
	ModelInfo(id string) (types.ModelInfo, error)
	Tokenize(modelID, text string) ([]int, error)
	Detokenize(modelID string, tokens []int) (string, error)
	Generate(ctx context.Context, modelID, prompt string, p engine.Params) (*session.Session, error)
	Get(id string) (*session.Session, bool)
	Cancel(id string) bool
	Reap(id string) bool
	Status() types.StatusResponse
	MemoryUsage() int64
	Evictions() uint64
	Ready() bool
}

// generateDefaults applied when the request omits sampling knobs.
// Temperature is left as given: 0 is a valid value selecting argmax.
const (
	defaultMaxTokens = 128
	defaultTopP      = 1.0
)

func NewMux(svc Service) http.Handler {
	r := chi.NewRouter()
	// Basic middlewares: request id, real ip, recoverer
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(MetricsMiddleware)
	// Compression for JSON endpoints
	r.Use(middleware.Compress(5))
	if corsEnabled {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: corsAllowedOrigins,
			AllowedMethods: corsAllowedMethods,
			AllowedHeaders: corsAllowedHeaders,
		}))
	}
	// Security headers
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("X-Content-Type-Options", "nosniff")
			next.ServeHTTP(w, r)
		})
	})

	r.Get("/models", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{"models": svc.Models()})
	})

	r.Get("/models/{id}", func(w http.ResponseWriter, r *http.Request) {
		info, err := svc.ModelInfo(chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, info)
	})

	r.Post("/models/{id}/load", func(w http.ResponseWriter, r *http.Request) {
		var req types.LoadRequest
		if r.ContentLength > 0 {
			if err := decodeJSON(w, r, &req); err != nil {
				return
			}
		}
		info, err := svc.LoadModel(chi.URLParam(r, "id"), req.ContextSize)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, info)
	})

	r.Post("/models/{id}/unload", func(w http.ResponseWriter, r *http.Request) {
		if err := svc.UnloadModel(chi.URLParam(r, "id")); err != nil {
			writeError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})

	r.Post("/tokenize", func(w http.ResponseWriter, r *http.Request) {
		var req types.TokenizeRequest
		if err := decodeJSON(w, r, &req); err != nil {
			return
		}
		toks, err := svc.Tokenize(req.Model, req.Text)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, types.TokenizeResponse{Tokens: toks, Count: len(toks)})
	})

	r.Post("/detokenize", func(w http.ResponseWriter, r *http.Request) {
		var req types.DetokenizeRequest
		if err := decodeJSON(w, r, &req); err != nil {
			return
		}
		text, err := svc.Detokenize(req.Model, req.Tokens)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, types.DetokenizeResponse{Text: text})
	})

	r.Post("/generate", func(w http.ResponseWriter, r *http.Request) {
		ct := r.Header.Get("Content-Type")
		if ct == "" || !strings.HasPrefix(strings.ToLower(ct), "application/json") {
			writeJSONError(w, http.StatusUnsupportedMediaType, "", "Content-Type must be application/json")
			return
		}
		r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
		var req types.GenerateRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSONError(w, http.StatusBadRequest, "", "invalid JSON body")
			return
		}
		if strings.TrimSpace(req.Prompt) == "" {
			writeJSONError(w, http.StatusBadRequest, "", "prompt is required")
			return
		}
		params := engine.Params{
			Temperature: req.Temperature,
			TopP:        req.TopP,
			MaxTokens:   req.MaxTokens,
			Seed:        req.Seed,
		}
		if params.TopP == 0 {
			params.TopP = defaultTopP
		}
		if params.MaxTokens == 0 {
			params.MaxTokens = defaultMaxTokens
		}

		// Shutdown and client disconnect both cancel the decode loop.
		joinedCtx, cancel := mergeContexts(baseCtx, r.Context())
		defer cancel()

		lvl := requestLogLevel(r)
		start := time.Now()
		if lvl >= LevelInfo {
			e := zlog.Info().Str("path", r.URL.Path).Str("model", req.Model).Bool("stream", req.Stream)
			if rid := middleware.GetReqID(r.Context()); rid != "" {
				e = e.Str("request_id", rid)
			}
			e.Msg("generate start")
		}

		sess, err := svc.Generate(joinedCtx, req.Model, req.Prompt, params)
		if err != nil {
			writeError(w, err)
			logGenerateEnd(r, lvl, statusForKind(llmerr.KindOf(err)), start, err)
			return
		}

		if req.Stream {
			streamGenerate(w, r, svc, sess, lvl, start)
			return
		}

		// Buffered mode: wait for the terminal state, then reply once.
		select {
		case <-sess.Done():
		case <-joinedCtx.Done():
			<-sess.Done() // cancellation is cooperative; wait for the boundary
		}
		res := sess.Result()
		svc.Reap(sess.ID())
		observeFinish(svc, res)
		if res.Err != nil {
			writeError(w, res.Err)
			logGenerateEnd(r, lvl, statusForKind(llmerr.KindOf(res.Err)), start, res.Err)
			return
		}
		writeJSON(w, types.FinalLine{
			Done:         true,
			Content:      res.Text,
			FinishReason: res.FinishReason,
			Usage:        res.Usage,
		})
		logGenerateEnd(r, lvl, http.StatusOK, start, nil)
	})

	r.Get("/sessions", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{"sessions": svc.Status().Sessions})
	})

	r.Delete("/sessions/{id}", func(w http.ResponseWriter, r *http.Request) {
		if !svc.Cancel(chi.URLParam(r, "id")) {
			writeJSONError(w, http.StatusNotFound, "", "unknown session")
			return
		}
		w.WriteHeader(http.StatusAccepted)
	})

	r.Post("/sessions/{id}/clear-cache", func(w http.ResponseWriter, r *http.Request) {
		s, ok := svc.Get(chi.URLParam(r, "id"))
		if !ok {
			writeJSONError(w, http.StatusNotFound, "", "unknown session")
			return
		}
		if err := s.ClearCache(); err != nil {
			writeError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})

	r.Get("/status", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, svc.Status())
	})

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	r.Get("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if svc.Ready() {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ready"))
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("no model loaded"))
	})

	// Prometheus metrics endpoint
	r.Get("/metrics", promhttp.Handler().ServeHTTP)

	MountSwagger(r)

	return r
}

// streamGenerate writes NDJSON token lines followed by exactly one final
// line. A client disconnect cancels the session via the joined context; the
// decode loop keeps exclusive cache ownership either way.
func streamGenerate(w http.ResponseWriter, r *http.Request, svc Service, sess *session.Session, lvl LogLevel, start time.Time) {
	w.Header().Set("Content-Type", "application/x-ndjson")
	var flush func()
	if f, ok := w.(http.Flusher); ok {
		flush = f.Flush
	}
	writer := io.Writer(w)
	if lvl >= LevelDebug {
		writer = io.MultiWriter(w, &loggingLineWriter{})
	}
	enc := json.NewEncoder(writer)

	for ev := range sess.Events() {
		if ev.Done {
			res := sess.Result()
			line := types.FinalLine{
				Done:         true,
				Content:      res.Text,
				FinishReason: res.FinishReason,
				Usage:        res.Usage,
			}
			if res.Err != nil {
				line.Error = llmerr.KindOf(res.Err).String()
			}
			_ = enc.Encode(line)
			if flush != nil {
				flush()
			}
			svc.Reap(sess.ID())
			observeFinish(svc, res)
			logGenerateEnd(r, lvl, http.StatusOK, start, res.Err)
			return
		}
		tokensGeneratedTotal.Inc()
		if err := enc.Encode(types.TokenLine{Token: ev.Token}); err != nil {
			// Client went away; cancel and drain to the terminal event.
			sess.Cancel()
			for range sess.Events() {
			}
			svc.Reap(sess.ID())
			observeFinish(svc, sess.Result())
			return
		}
		if flush != nil {
			flush()
		}
	}
}

func observeFinish(svc Service, res session.Result) {
	reason := res.FinishReason
	if reason == "" {
		reason = "unknown"
	}
	sessionsFinishedTotal.WithLabelValues(reason).Inc()
	kvCacheBytes.Set(float64(svc.MemoryUsage()))
	cacheEvictions.Set(float64(svc.Evictions()))
}

func logGenerateEnd(r *http.Request, lvl LogLevel, status int, start time.Time, err error) {
	if lvl < LevelInfo {
		return
	}
	e := zlog.Info().Int("status", status).Dur("dur", time.Since(start))
	if rid := middleware.GetReqID(r.Context()); rid != "" {
		e = e.Str("request_id", rid)
	}
	if err != nil {
		e = e.Err(err)
	}
	e.Msg("generate end")
}

// decodeJSON enforces the size limit and decodes into v, writing the error
// response itself on failure.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeJSONError(w, http.StatusBadRequest, "", "invalid JSON body")
		return err
	}
	return nil
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		writeJSONError(w, http.StatusInternalServerError, "", "failed to encode response")
	}
}
