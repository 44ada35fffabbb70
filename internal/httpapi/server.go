// Package httpapi is the job-control HTTP surface: start jobs, stream
// their logs over SSE, stop and delete them, and serve round progress.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"synthd/internal/jobs"
	"synthd/internal/progress"
	"synthd/internal/scoring"
	"synthd/pkg/types"
)

// heartbeatInterval is how long an SSE stream may stay silent before a
// keepalive frame is emitted.
var heartbeatInterval = time.Second

// JobService is the job-lifecycle surface the API depends on.
type JobService interface {
	Start(name string, params types.JobParams) (string, error)
	Subscribe(jobID string) ([]string, <-chan types.LogEvent, error)
	Unsubscribe(jobID string, ch <-chan types.LogEvent)
	Stop(jobID string) error
	Delete(jobID string) error
	Status(jobID string) (types.JobStatus, error)
	List() []types.JobSummary
	Active() []string
}

// startRequest is the body of POST /api/start.
type startRequest struct {
	Name string `json:"task_name"`
	types.JobParams
}

// NewMux wires the routes. prog may be nil when no progress store is
// configured; its endpoint then reports unavailable.
func NewMux(svc JobService, prog progress.Store) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Compress(5))
	r.Use(MetricsMiddleware)
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("X-Content-Type-Options", "nosniff")
			next.ServeHTTP(w, r)
		})
	})
	if corsEnabled {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: corsAllowedOrigins,
			AllowedMethods: corsAllowedMethods,
			AllowedHeaders: corsAllowedHeaders,
		}))
	}

	r.Post("/api/start", func(w http.ResponseWriter, r *http.Request) {
		ct := r.Header.Get("Content-Type")
		if ct == "" || !strings.HasPrefix(strings.ToLower(ct), "application/json") {
			writeJSONError(w, http.StatusUnsupportedMediaType, "Content-Type must be application/json")
			return
		}
		r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
		var req startRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSONError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		if len(req.Endpoints) == 0 {
			writeJSONError(w, http.StatusBadRequest, "services is required")
			return
		}
		if req.Model == "" {
			writeJSONError(w, http.StatusBadRequest, "model is required")
			return
		}
		name := strings.TrimSpace(req.Name)
		if name == "" {
			name = "task_" + uuid.NewString()[:8]
		}
		id, err := svc.Start(name, req.JobParams)
		if err != nil {
			writeJSONError(w, http.StatusInternalServerError, err.Error())
			return
		}
		if zlog != nil {
			zlog.Info().Str("job_id", id).Str("model", req.Model).Msg("job accepted")
		}
		writeJSON(w, http.StatusOK, map[string]string{"task_id": id})
	})

	r.Get("/api/progress/{id}", func(w http.ResponseWriter, r *http.Request) {
		streamJobLog(w, r, svc, chi.URLParam(r, "id"))
	})

	r.Post("/api/stop/{id}", func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if err := svc.Stop(id); err != nil {
			writeJobError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"task_id": id, "status": "stopped"})
	})

	r.Delete("/api/task/{id}", func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if err := svc.Delete(id); err != nil {
			writeJobError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"task_id": id, "status": "deleted"})
	})

	r.Get("/api/status/{id}", func(w http.ResponseWriter, r *http.Request) {
		st, err := svc.Status(chi.URLParam(r, "id"))
		if err != nil {
			writeJobError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, st)
	})

	r.Get("/api/tasks", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"tasks": svc.List()})
	})

	r.Get("/api/active_task", func(w http.ResponseWriter, r *http.Request) {
		active := svc.Active()
		out := map[string]any{"active": len(active) > 0}
		if len(active) > 0 {
			out["task_id"] = active[0]
		}
		writeJSON(w, http.StatusOK, out)
	})

	r.Get("/api/task_progress/{id}", func(w http.ResponseWriter, r *http.Request) {
		if prog == nil {
			writeJSONError(w, http.StatusServiceUnavailable, "progress store not configured")
			return
		}
		snap, err := prog.Get(r.Context(), chi.URLParam(r, "id"))
		if errors.Is(err, progress.ErrNotFound) {
			writeJSONError(w, http.StatusNotFound, "no progress for task")
			return
		}
		if err != nil {
			writeJSONError(w, http.StatusServiceUnavailable, "progress store unavailable")
			return
		}
		writeJSON(w, http.StatusOK, snap)
	})

	r.Get("/api/task_types", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"task_types": scoring.Names()})
	})

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	r.Get("/metrics", promhttp.Handler().ServeHTTP)

	return r
}

// writeJobError maps manager errors onto HTTP statuses.
func writeJobError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, jobs.ErrNotFound):
		writeJSONError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, jobs.ErrNotTerminal):
		writeJSONError(w, http.StatusBadRequest, err.Error())
	default:
		var he HTTPError
		if errors.As(err, &he) {
			writeJSONError(w, he.StatusCode(), he.Error())
			return
		}
		writeJSONError(w, http.StatusInternalServerError, err.Error())
	}
}

// streamJobLog replays the job history and then relays live events as
// SSE frames, inserting heartbeats during silence. The stream ends on
// the terminal event or when the client disconnects.
func streamJobLog(w http.ResponseWriter, r *http.Request, svc JobService, id string) {
	history, ch, err := svc.Subscribe(id)
	if err != nil {
		writeJobError(w, err)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		svc.Unsubscribe(id, ch)
		writeJSONError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	for _, line := range history {
		writeSSE(w, types.LogEvent{Type: "output", Line: line})
	}
	flusher.Flush()

	lvl := requestLogLevel(r)
	if lvl >= LevelInfo && zlog != nil {
		z := zlog.Info().Str("job_id", id).Int("replayed", len(history))
		if rid := middleware.GetReqID(r.Context()); rid != "" {
			z = z.Str("request_id", rid)
		}
		z.Msg("log stream attached")
	}

	for {
		select {
		case ev, open := <-ch:
			if !open {
				return
			}
			writeSSE(w, ev)
			flusher.Flush()
			if ev.Type == "finished" {
				return
			}
		case <-time.After(heartbeatInterval):
			writeSSE(w, types.LogEvent{Type: "heartbeat"})
			flusher.Flush()
		case <-r.Context().Done():
			svc.Unsubscribe(id, ch)
			return
		}
	}
}

func writeSSE(w http.ResponseWriter, ev types.LogEvent) {
	b, err := json.Marshal(ev)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "data: %s\n\n", b)
}

// Serve runs the HTTP server until ctx is canceled, then drains with a
// short grace period.
func Serve(ctx context.Context, addr string, h http.Handler) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}
