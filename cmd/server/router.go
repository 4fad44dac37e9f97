package main

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/guido-cesarano/mediaq/pkg/logger"
	"github.com/guido-cesarano/mediaq/pkg/queue"
	"github.com/guido-cesarano/mediaq/pkg/ratelimit"
	"github.com/guido-cesarano/mediaq/pkg/store"
	"github.com/guido-cesarano/mediaq/pkg/tasks"
)

// inspectLimit bounds the records returned by /tasks.
const inspectLimit = 50

// api holds what the HTTP handlers need.
type api struct {
	manager         *queue.Manager[Download]
	limiter         *ratelimit.RateLimiter
	store           *store.Store
	defaultPriority tasks.Priority
}

// authMiddleware wraps an http.HandlerFunc and enforces API Key authentication.
func authMiddleware(next http.HandlerFunc, requiredKey string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		// No key configured: dev mode.
		if requiredKey == "" {
			next(w, r)
			return
		}

		if r.Header.Get("X-API-Key") != requiredKey {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}

		next(w, r)
	}
}

// enableCORS wraps an http.HandlerFunc and adds CORS headers.
func enableCORS(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "POST, GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Accept, Content-Type, Content-Length, Accept-Encoding, Authorization, X-API-Key")

		// Preflight requests never reach auth.
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next(w, r)
	}
}

func method(m string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != m {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		next(w, r)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Log.Error().Err(err).Msg("Failed to encode response")
	}
}

// setupRouter configures the HTTP handlers and returns the mux. Every route except
// /metrics is wrapped as CORS(Auth(handler)).
func setupRouter(a *api, apiKey string) *http.ServeMux {
	mux := http.NewServeMux()
	handle := func(path, m string, h http.HandlerFunc) {
		mux.HandleFunc(path, enableCORS(authMiddleware(method(m, h), apiKey)))
	}

	handle("/enqueue", http.MethodPost, a.enqueue)
	handle("/schedule", http.MethodPost, a.schedule)
	handle("/cancel", http.MethodPost, a.cancel)
	handle("/pause", http.MethodPost, func(w http.ResponseWriter, _ *http.Request) {
		a.manager.Pause()
		writeJSON(w, http.StatusOK, map[string]bool{"paused": true})
	})
	handle("/resume", http.MethodPost, func(w http.ResponseWriter, _ *http.Request) {
		a.manager.Resume()
		writeJSON(w, http.StatusOK, map[string]bool{"paused": false})
	})
	handle("/status", http.MethodGet, a.status)
	handle("/result", http.MethodGet, a.result)
	handle("/stats", http.MethodGet, a.stats)
	handle("/workers", http.MethodGet, func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"workers":     a.manager.WorkerInfo(),
			"coordinator": a.manager.Coordinator().Metrics(),
		})
	})
	handle("/recommendations", http.MethodGet, func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, a.manager.Coordinator().Recommendations())
	})
	handle("/ratelimits", http.MethodGet, a.rateLimits)
	handle("/tasks", http.MethodGet, a.listTasks)
	mux.Handle("/metrics", promhttp.Handler())

	return mux
}

type enqueueRequest struct {
	URL         string             `json:"url"`
	Category    ratelimit.Category `json:"category"`
	AccountID   string             `json:"account_id"`
	Thumbnail   bool               `json:"thumbnail"`
	Priority    string             `json:"priority"`
	MaxAttempts int                `json:"max_attempts"`
}

func (a *api) download(req enqueueRequest) (Download, tasks.Priority, error) {
	if req.URL == "" {
		return Download{}, 0, errors.New("url is required")
	}
	priority := a.defaultPriority
	if req.Priority != "" {
		p, err := tasks.ParsePriority(req.Priority)
		if err != nil {
			return Download{}, 0, err
		}
		priority = p
	}
	return Download{URL: req.URL, Category: req.Category, AccountID: req.AccountID, Thumbnail: req.Thumbnail}, priority, nil
}

func (a *api) enqueue(w http.ResponseWriter, r *http.Request) {
	var req enqueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	d, priority, err := a.download(req)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	var opts []queue.EnqueueOption
	if req.MaxAttempts > 0 {
		opts = append(opts, queue.WithMaxAttempts(req.MaxAttempts))
	}

	id, err := a.manager.Enqueue(r.Context(), d, priority, opts...)
	switch {
	case errors.Is(err, queue.ErrQueueFull):
		w.Header().Set("Retry-After", "5")
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	case err != nil:
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"id": id, "priority": priority.String()})
}

func (a *api) schedule(w http.ResponseWriter, r *http.Request) {
	var req struct {
		enqueueRequest
		Spec string `json:"spec"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	d, priority, err := a.download(req.enqueueRequest)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	entryID, err := a.manager.Schedule(req.Spec, d, priority)
	if err != nil {
		http.Error(w, "Invalid cron spec: "+err.Error(), http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]int{"entry_id": int(entryID)})
}

func (a *api) cancel(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("id")
	if id == "" {
		http.Error(w, "Missing task ID", http.StatusBadRequest)
		return
	}
	if !a.manager.Cancel(r.Context(), id) {
		http.Error(w, "Task not cancellable", http.StatusConflict)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": id, "cancelled": true})
}

func (a *api) status(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("id")
	if id == "" {
		http.Error(w, "Missing task ID", http.StatusBadRequest)
		return
	}
	rec, err := a.manager.TaskStatus(r.Context(), id)
	switch {
	case errors.Is(err, queue.ErrTaskNotFound):
		http.Error(w, "Task not found", http.StatusNotFound)
		return
	case err != nil:
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (a *api) result(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("id")
	if id == "" {
		http.Error(w, "Missing task ID", http.StatusBadRequest)
		return
	}
	raw, err := a.store.GetResult(r.Context(), id)
	switch {
	case errors.Is(err, store.ErrNoResult):
		http.Error(w, "Result not found", http.StatusNotFound)
		return
	case err != nil:
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(raw)
}

func (a *api) stats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"queue":   a.manager.QueueStatistics(),
		"history": a.store.Depths(r.Context()),
	})
}

func (a *api) rateLimits(w http.ResponseWriter, r *http.Request) {
	category := r.URL.Query().Get("category")
	if category == "" {
		writeJSON(w, http.StatusOK, a.limiter.Statistics())
		return
	}
	writeJSON(w, http.StatusOK, a.limiter.RateLimitStatus(ratelimit.Category(category), r.URL.Query().Get("account")))
}

func (a *api) listTasks(w http.ResponseWriter, r *http.Request) {
	var (
		recs []tasks.Record
		err  error
	)
	ctx := r.Context()
	switch list := strings.ToLower(r.URL.Query().Get("list")); list {
	case "", "history", "completed":
		recs, err = a.store.History(ctx, inspectLimit)
	case "dead_letter", "dlq", "failed":
		recs, err = a.store.DeadLetters(ctx, inspectLimit)
	default:
		http.Error(w, "Unknown list "+list, http.StatusBadRequest)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, recs)
}
