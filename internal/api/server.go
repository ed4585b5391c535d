// Package api exposes the sync agent to the driver UI over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/go-chi/chi/v5"

	"fieldsync/internal/config"
	"fieldsync/internal/models"
	"fieldsync/internal/queue"
	"fieldsync/internal/ratelimit"
	"fieldsync/internal/scheduler"
	"fieldsync/internal/telemetry"
)

// Limiter decides whether an actor may enqueue now.
type Limiter interface {
	Allow(ctx context.Context, key string) (ratelimit.Decision, error)
}

// Server wires HTTP handlers for the UI-facing queue API.
type Server struct {
	cfg     config.Config
	sched   *scheduler.Scheduler
	limiter Limiter
	logger  *slog.Logger
}

// New constructs the API server. limiter may be nil.
func New(cfg config.Config, sched *scheduler.Scheduler, limiter Limiter, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		cfg:     cfg,
		sched:   sched,
		limiter: limiter,
		logger:  logger,
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	r.Mount("/metrics", telemetry.Handler())

	r.Post("/queue", s.handleEnqueue)
	r.Get("/queue", s.handleList)
	r.Get("/queue/stats", s.handleStats)
	r.Post("/queue/reset-retries", s.handleResetRetries)
	r.Post("/queue/clear-failed", s.handleClearFailed)
	r.Post("/sync", s.handleSync)
	r.Get("/status", s.handleGetStatus)
	r.Put("/status", s.handlePutStatus)
	r.Get("/events", s.handleEvents)
	return r
}

type enqueueRequest struct {
	Action models.Action  `json:"action"`
	Data   map[string]any `json:"data"`
}

func (s *Server) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	var req enqueueRequest
	dec := json.NewDecoder(r.Body)
	dec.UseNumber()
	if err := dec.Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if !req.Action.Valid() {
		http.Error(w, "unknown action", http.StatusBadRequest)
		return
	}
	if req.Data == nil {
		req.Data = map[string]any{}
	}

	actor := actorFromRequest(r)
	if actor != "" {
		if _, ok := req.Data["actor_id"]; !ok {
			req.Data["actor_id"] = actor
		}
	}

	if s.limiter != nil {
		key := actor
		if key == "" {
			key = "device"
		}
		d, err := s.limiter.Allow(r.Context(), key)
		if err != nil {
			s.logger.Error("rate limit check", "actor", key, "err", err)
			http.Error(w, "rate limit error", http.StatusInternalServerError)
			return
		}
		if !d.Allowed {
			telemetry.RateLimitRejects.Inc()
			if d.RetryAfter > 0 {
				w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(d.RetryAfter.Seconds()))))
			}
			http.Error(w, "rate limited", http.StatusTooManyRequests)
			return
		}
	}

	id, err := s.sched.Enqueue(r.Context(), req.Action, req.Data)
	if err != nil {
		if errors.Is(err, queue.ErrUnknownAction) {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		s.logger.Error("enqueue", "action", req.Action, "err", err)
		http.Error(w, "enqueue failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"id": id})
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	items, err := s.sched.Items(r.Context())
	if err != nil {
		http.Error(w, "failed to read queue", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (s *Server) handleStats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.sched.Stats())
}

func (s *Server) handleResetRetries(w http.ResponseWriter, r *http.Request) {
	n, err := s.sched.ResetRetries(r.Context())
	if err != nil {
		http.Error(w, "failed to reset retries", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"reset": n})
}

func (s *Server) handleClearFailed(w http.ResponseWriter, r *http.Request) {
	n, location, err := s.sched.ClearFailed(r.Context())
	if err != nil {
		s.logger.Error("clear failed items", "err", err)
		http.Error(w, "failed to clear failed items", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"cleared": n, "archive": location})
}

type syncResponse struct {
	Synced bool              `json:"synced"`
	Result models.SyncResult `json:"result"`
}

func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	synced, result, err := s.sched.SyncNow(r.Context())
	if err != nil {
		s.logger.Error("manual sync", "err", err)
		http.Error(w, "sync failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, syncResponse{Synced: synced, Result: result})
}

type statusBody struct {
	Online *bool `json:"online"`
}

func (s *Server) handleGetStatus(w http.ResponseWriter, _ *http.Request) {
	online := s.sched.Online()
	writeJSON(w, http.StatusOK, statusBody{Online: &online})
}

func (s *Server) handlePutStatus(w http.ResponseWriter, r *http.Request) {
	var body statusBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Online == nil {
		http.Error(w, "online is required", http.StatusBadRequest)
		return
	}
	s.sched.SetOnline(*body.Online)
	writeJSON(w, http.StatusOK, body)
}

// handleEvents streams scheduler events until the client goes away. Slow clients miss events.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	events := make(chan scheduler.Event, 16)
	unsubscribe := s.sched.Subscribe(func(ev scheduler.Event) {
		select {
		case events <- ev:
		default:
		}
	})
	defer unsubscribe()

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "err", err)
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	ctx := conn.CloseRead(r.Context())
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-events:
			writeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			err := wsjson.Write(writeCtx, conn, ev)
			cancel()
			if err != nil {
				s.logger.Debug("event write failed", "err", err)
				return
			}
		}
	}
}

func actorFromRequest(r *http.Request) string {
	return r.Header.Get("X-Actor-ID")
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
