// Package server is the HTTP gateway: job submission, status and result
// queries, cancellation, and a server-sent-events stream of progress.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/roadlens/vru-detection-service/internal/domain/entity"
	"github.com/roadlens/vru-detection-service/internal/usecase"
)

// JobHistory answers status queries out of the recorder's audit rows,
// for jobs that predate the current process. Nil disables the fallback.
type JobHistory interface {
	FindByID(ctx context.Context, id uuid.UUID) (*entity.Job, error)
}

type Server struct {
	service *usecase.DetectionService
	history JobHistory
	logger  *zap.Logger
	router  chi.Router
}

func New(service *usecase.DetectionService, history JobHistory, logger *zap.Logger) *Server {
	s := &Server{service: service, history: history, logger: logger}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealthz)
	r.Get("/readyz", s.handleReadyz)

	r.Route("/api/v1/jobs", func(r chi.Router) {
		r.Post("/", s.handleSubmit)
		r.Get("/{jobID}", s.handleStatus)
		r.Get("/{jobID}/result", s.handleResult)
		r.Post("/{jobID}/cancel", s.handleCancel)
		r.Get("/{jobID}/events", s.handleEvents)
	})

	s.router = r
	return s
}

func (s *Server) Handler() http.Handler { return s.router }

// Start runs the server until ctx ends, then drains with a 5s grace.
func (s *Server) Start(ctx context.Context, port int) error {
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("http server starting", zap.Int("port", port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

type errorEnvelope struct {
	Error errorBody `json:"error"`
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorEnvelope{Error: errorBody{Code: code, Message: message}})
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	// The service facade fronts an in-process registry; if it answers a
	// lookup for a random ID the event loop is alive.
	_, err := s.service.Status(r.Context(), uuid.New())
	if err != nil && !errors.Is(err, entity.ErrJobNotFound) {
		writeError(w, http.StatusServiceUnavailable, "not_ready", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var msg entity.SubmitMessage
	if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
		writeError(w, http.StatusBadRequest, "malformed_body", err.Error())
		return
	}

	ack, err := s.service.Submit(r.Context(), msg)
	if err != nil {
		var cfgErr *entity.ConfigError
		if errors.As(err, &cfgErr) {
			writeError(w, http.StatusBadRequest, "invalid_config", cfgErr.Error())
			return
		}
		s.logger.Error("submit failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal", "submission failed")
		return
	}

	writeJSON(w, http.StatusAccepted, ack)
}

func (s *Server) jobID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "jobID"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_job_id", "job ID must be a UUID")
		return uuid.Nil, false
	}
	return id, true
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	id, ok := s.jobID(w, r)
	if !ok {
		return
	}
	snap, err := s.service.Status(r.Context(), id)
	if err != nil {
		if errors.Is(err, entity.ErrJobNotFound) {
			// The registry only knows jobs from this process; older jobs
			// live on as audit rows in the store.
			if snap, ok := s.historySnapshot(r.Context(), id); ok {
				writeJSON(w, http.StatusOK, snap)
				return
			}
			writeError(w, http.StatusNotFound, "not_found", "unknown job")
			return
		}
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) historySnapshot(ctx context.Context, id uuid.UUID) (entity.StatusSnapshot, bool) {
	if s.history == nil {
		return entity.StatusSnapshot{}, false
	}
	job, err := s.history.FindByID(ctx, id)
	if err != nil {
		return entity.StatusSnapshot{}, false
	}
	return entity.StatusSnapshot{
		JobID:           job.ID,
		VideoKey:        job.VideoKey,
		State:           job.State,
		FramesProcessed: job.Counters.FramesProcessed,
		FramesTotal:     job.Counters.FramesTotal,
		DetectionsFound: job.Counters.DetectionsFound,
		ElapsedMS:       job.Elapsed().Milliseconds(),
		Error:           job.Error,
	}, true
}

func (s *Server) handleResult(w http.ResponseWriter, r *http.Request) {
	id, ok := s.jobID(w, r)
	if !ok {
		return
	}
	result, err := s.service.Result(r.Context(), id)
	if err != nil {
		switch {
		case errors.Is(err, entity.ErrJobNotFound):
			writeError(w, http.StatusNotFound, "not_found", "unknown job")
		case errors.Is(err, entity.ErrResultNotReady):
			writeError(w, http.StatusConflict, "result_not_ready", "job has not reached a terminal state")
		default:
			writeError(w, http.StatusInternalServerError, "internal", err.Error())
		}
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	id, ok := s.jobID(w, r)
	if !ok {
		return
	}
	if err := s.service.Cancel(r.Context(), id); err != nil {
		if errors.Is(err, entity.ErrJobNotFound) {
			writeError(w, http.StatusNotFound, "not_found", "unknown job")
			return
		}
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "cancelling"})
}

// handleEvents streams progress as server-sent events. Last-Event-ID
// (or ?from_seq=) resumes the stream after a reconnect; events already
// journaled past that point are replayed first. The stream ends when
// the job reaches a terminal state or the subscription is dropped for
// falling behind; either way the client reconnects with its last ID.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	id, ok := s.jobID(w, r)
	if !ok {
		return
	}

	fromSeq := parseFromSeq(r)

	flusher, canFlush := w.(http.Flusher)
	if !canFlush {
		writeError(w, http.StatusInternalServerError, "internal", "streaming unsupported")
		return
	}

	sub, err := s.service.Subscribe(r.Context(), id, fromSeq)
	if err != nil {
		if errors.Is(err, entity.ErrJobNotFound) {
			writeError(w, http.StatusNotFound, "not_found", "unknown job")
			return
		}
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}
	defer s.service.Unsubscribe(sub)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case ev, open := <-sub.C:
			if !open {
				return
			}
			data, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "id: %d\ndata: %s\n\n", ev.Seq, data)
			flusher.Flush()
		}
	}
}

func parseFromSeq(r *http.Request) uint64 {
	raw := r.Header.Get("Last-Event-ID")
	if raw == "" {
		raw = r.URL.Query().Get("from_seq")
	}
	if raw == "" {
		return 0
	}
	seq, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0
	}
	return seq
}
