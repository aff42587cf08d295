package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/isdmx/datarun/config"
	"github.com/isdmx/datarun/queue"
	"github.com/isdmx/datarun/sandbox"
	"github.com/isdmx/datarun/store"
)

const (
	maxBodyBytes      = 1 << 20
	readHeaderTimeout = 5 * time.Second
	idleTimeout       = 60 * time.Second
)

// TaskService is the job API the handlers delegate to
type TaskService interface {
	Submit(ctx context.Context, req sandbox.ExecuteRequest) (store.Job, error)
	Get(id string) (store.Job, error)
	Result(id string) (sandbox.ExecuteResult, error)
	Stats() map[store.Status]int
}

// TaskRequest is the body of POST /tasks. DatasetID is accepted for
// single-dataset clients and is placed before DatasetIDs.
type TaskRequest struct {
	DatasetID      string   `json:"dataset_id,omitempty"`
	DatasetIDs     []string `json:"dataset_ids,omitempty"`
	Code           string   `json:"code"`
	Files          []string `json:"files,omitempty"`
	Libraries      []string `json:"libraries,omitempty"`
	TimeoutSeconds float64  `json:"timeout_seconds,omitempty"`
}

// ExecuteRequest converts the body into an engine request
func (r TaskRequest) ExecuteRequest() (sandbox.ExecuteRequest, error) {
	ids := make([]string, 0, len(r.DatasetIDs)+1)
	if strings.TrimSpace(r.DatasetID) != "" {
		ids = append(ids, r.DatasetID)
	}
	ids = append(ids, r.DatasetIDs...)

	req := sandbox.ExecuteRequest{
		DatasetIDs: ids,
		Code:       r.Code,
		Files:      r.Files,
		Libraries:  r.Libraries,
	}
	if r.TimeoutSeconds != 0 {
		timeout, err := sandbox.TimeoutFromSeconds(r.TimeoutSeconds)
		if err != nil {
			return sandbox.ExecuteRequest{}, err
		}
		req.Timeout = timeout
	}
	return req, nil
}

type errorBody struct {
	Error  string     `json:"error"`
	Kind   store.Kind `json:"error_kind,omitempty"`
	TaskID string     `json:"task_id,omitempty"`
	Status string     `json:"status,omitempty"`
}

// Server is the REST task API. It also serves /metrics from gatherer.
type Server struct {
	logger     *zap.Logger
	tasks      TaskService
	gatherer   prometheus.Gatherer
	httpServer *http.Server
}

// New creates a Server listening on cfg.Server.APIPort
func New(cfg *config.Config, logger *zap.Logger, tasks TaskService, gatherer prometheus.Gatherer) *Server {
	s := &Server{
		logger:   logger.Named("httpapi"),
		tasks:    tasks,
		gatherer: gatherer,
	}
	s.httpServer = &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.APIPort),
		Handler:           s.Handler(),
		ReadHeaderTimeout: readHeaderTimeout,
		IdleTimeout:       idleTimeout,
	}
	return s
}

// Handler returns the routed handler wrapped in request logging and panic
// recovery.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /tasks", s.handleSubmit)
	mux.HandleFunc("GET /tasks/{id}", s.handleGet)
	mux.HandleFunc("GET /tasks/{id}/result", s.handleResult)
	mux.HandleFunc("GET /health", s.handleHealth)
	if s.gatherer != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}
	return s.recoverMiddleware(s.requestLogMiddleware(mux))
}

// Start begins serving in the background. Listen errors are returned
// directly; later serve errors are logged.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.httpServer.Addr, err)
	}
	s.logger.Info("http api listening", zap.String("addr", ln.Addr().String()))

	go func() {
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("http api stopped", zap.Error(err))
		}
	}()
	return nil
}

// Shutdown gracefully stops the server
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var body TaskRequest
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: fmt.Sprintf("invalid request body: %v", err)})
		return
	}

	req, err := body.ExecuteRequest()
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: err.Error(), Kind: store.KindInvalidRequest})
		return
	}

	job, err := s.tasks.Submit(r.Context(), req)
	switch {
	case errors.Is(err, sandbox.ErrInvalidRequest):
		writeJSON(w, http.StatusBadRequest, errorBody{Error: err.Error(), Kind: store.KindInvalidRequest})
		return
	case errors.Is(err, queue.ErrClosed):
		writeJSON(w, http.StatusServiceUnavailable, errorBody{Error: err.Error()})
		return
	case err != nil:
		s.logger.Error("task submission failed", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: "internal error"})
		return
	}

	resp := map[string]any{
		"task_id": job.ID,
		"status":  job.Status,
	}
	if job.Status == store.StatusFailed {
		resp["error"] = job.Error
		resp["error_kind"] = job.ErrorKind
	}
	writeJSON(w, http.StatusAccepted, resp)
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	job, err := s.tasks.Get(id)
	if err != nil {
		s.writeError(w, id, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleResult(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	result, err := s.tasks.Result(id)
	if err != nil {
		s.writeError(w, id, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"jobs":   s.tasks.Stats(),
	})
}

// writeError maps store errors onto HTTP statuses
func (s *Server) writeError(w http.ResponseWriter, id string, err error) {
	var conflict *store.ConflictError
	var failed *store.FailedError
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeJSON(w, http.StatusNotFound, errorBody{Error: "task not found", TaskID: id})
	case errors.As(err, &conflict):
		writeJSON(w, http.StatusConflict, errorBody{
			Error:  "task has not finished",
			TaskID: id,
			Status: string(conflict.Status),
		})
	case errors.As(err, &failed):
		writeJSON(w, StatusForKind(failed.Kind), errorBody{
			Error:  failed.Message,
			Kind:   failed.Kind,
			TaskID: id,
			Status: string(store.StatusFailed),
		})
	default:
		s.logger.Error("task lookup failed", zap.String("job_id", id), zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: "internal error", TaskID: id})
	}
}

// StatusForKind returns the HTTP status reported for a failed job
func StatusForKind(kind store.Kind) int {
	switch kind {
	case store.KindNotFound:
		return http.StatusNotFound
	case store.KindExecutionTimeout:
		return http.StatusRequestTimeout
	case store.KindProvisionError, store.KindInternalError:
		return http.StatusInternalServerError
	default:
		if kind.Validation() {
			return http.StatusBadRequest
		}
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(statusCode int) {
	w.status = statusCode
	w.ResponseWriter.WriteHeader(statusCode)
}

func (s *Server) requestLogMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		requestID := strings.TrimSpace(r.Header.Get("X-Request-Id"))
		if requestID == "" {
			requestID = uuid.NewString()
		}
		w.Header().Set("X-Request-Id", requestID)

		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)

		fields := []zap.Field{
			zap.String("request_id", requestID),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", sw.status),
			zap.Duration("duration", time.Since(start)),
		}
		if sw.status >= http.StatusInternalServerError {
			s.logger.Error("http request", fields...)
			return
		}
		s.logger.Debug("http request", fields...)
	})
}

func (s *Server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if v := recover(); v != nil {
				s.logger.Error("panic recovered", zap.Any("panic", v), zap.String("path", r.URL.Path))
				writeJSON(w, http.StatusInternalServerError, errorBody{Error: "internal error"})
			}
		}()
		next.ServeHTTP(w, r)
	})
}
