// Package server exposes the chat turn endpoint and the admin surface over
// HTTP.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"smarthub/internal/catalog"
	"smarthub/internal/logging"
	"smarthub/internal/model"
	"smarthub/internal/turn"
)

const (
	maxBodyBytes           = 1 << 20
	defaultShutdownTimeout = 5 * time.Second
	requestIDHeader        = "X-Request-ID"

	// Turn failures never leak provider detail to the caller.
	upstreamFailureText = "upstream failure, please try again"
)

// Turns handles chat turns.
type Turns interface {
	Handle(ctx context.Context, req turn.Request) (turn.Response, error)
}

// Syncer runs sync passes on demand.
type Syncer interface {
	Sync(ctx context.Context) (model.SyncResult, error)
	Resync(ctx context.Context, embedModel, embedVersion string) (model.SyncResult, error)
	EmbedModel() (string, string)
}

// IndexAdmin is the index surface the admin endpoints use.
type IndexAdmin interface {
	Reset(ctx context.Context) error
	Count(ctx context.Context) (int, error)
	CountByKind(ctx context.Context) (map[string]int, error)
}

// CatalogStats reports the catalog snapshot size.
type CatalogStats interface {
	Stats() catalog.Stats
}

// Options wires the server's collaborators. Metrics may be nil.
type Options struct {
	Turns   Turns
	Syncer  Syncer
	Index   IndexAdmin
	Catalog CatalogStats
	Metrics http.Handler
	Logger  zerolog.Logger

	RateLimitRPS    float64
	RateLimitBurst  int
	ShutdownTimeout time.Duration
}

type Server struct {
	opts    Options
	limiter *ipRateLimiter
}

func New(opts Options) (*Server, error) {
	if opts.Turns == nil {
		return nil, errors.New("server: turn handler is required")
	}
	if opts.Syncer == nil || opts.Index == nil || opts.Catalog == nil {
		return nil, errors.New("server: syncer, index and catalog are required")
	}
	if opts.ShutdownTimeout <= 0 {
		opts.ShutdownTimeout = defaultShutdownTimeout
	}
	return &Server{
		opts:    opts,
		limiter: newIPRateLimiter(opts.RateLimitRPS, opts.RateLimitBurst),
	}, nil
}

// Handler returns the routed handler, for mounting or tests.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /chat/turn", s.handleTurn)
	mux.HandleFunc("POST /admin/resync", s.handleResync)
	mux.HandleFunc("POST /admin/sync", s.handleSync)
	mux.HandleFunc("POST /admin/reset", s.handleReset)
	mux.HandleFunc("GET /admin/stats", s.handleStats)
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	if s.opts.Metrics != nil {
		mux.Handle("GET /metrics", s.opts.Metrics)
	}
	return mux
}

// Serve blocks while handling HTTP. Cancel ctx to initiate graceful
// shutdown; in-flight requests are allowed to drain.
func (s *Server) Serve(ctx context.Context, listener net.Listener) error {
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		// Turns may span two model calls plus a service call.
		WriteTimeout: 3 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}

	janitorCtx, stopJanitor := context.WithCancel(ctx)
	defer stopJanitor()
	go s.limiter.runJanitor(janitorCtx, time.Minute, 10*time.Minute)

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(listener) }()
	s.opts.Logger.Info().Str("addr", listener.Addr().String()).Msg("http server listening")

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.opts.ShutdownTimeout)
		defer cancel()
		s.opts.Logger.Info().Msg("http server shutting down")
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

type turnRequest struct {
	ChatID          string         `json:"chat_id"`
	UserLastMessage string         `json:"user_last_message"`
	Context         map[string]any `json:"context"`
	TenantID        string         `json:"tenant_id"`
}

type turnResponse struct {
	Reply string `json:"reply"`
}

type errorResponse struct {
	Error     string `json:"error"`
	RequestID string `json:"request_id,omitempty"`
}

func (s *Server) handleTurn(w http.ResponseWriter, r *http.Request) {
	if !s.limiter.allow(realIP(r)) {
		w.Header().Set("Retry-After", "1")
		writeJSON(w, http.StatusTooManyRequests, errorResponse{Error: "rate limit exceeded"})
		return
	}

	var body turnRequest
	if err := decodeBody(w, r, &body); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}

	ctx, requestID := logging.WithRequestID(r.Context(), r.Header.Get(requestIDHeader))
	w.Header().Set(requestIDHeader, requestID)

	resp, err := s.opts.Turns.Handle(ctx, turn.Request{
		ChatID:    body.ChatID,
		TenantID:  body.TenantID,
		Message:   body.UserLastMessage,
		Context:   body.Context,
		RequestID: requestID,
	})
	switch {
	case errors.Is(err, turn.ErrInvalidRequest):
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error(), RequestID: requestID})
	case err != nil:
		writeJSON(w, http.StatusBadGateway, errorResponse{Error: upstreamFailureText, RequestID: requestID})
	default:
		writeJSON(w, http.StatusOK, turnResponse{Reply: resp.Reply})
	}
}

type resyncRequest struct {
	Model   string `json:"model"`
	Version string `json:"version"`
}

type syncResponse struct {
	Result       model.SyncResult `json:"result"`
	EmbedModel   string           `json:"embed_model"`
	EmbedVersion string           `json:"embed_version"`
	Error        string           `json:"error,omitempty"`
}

func (s *Server) handleResync(w http.ResponseWriter, r *http.Request) {
	var body resyncRequest
	if r.ContentLength != 0 {
		if err := decodeBody(w, r, &body); err != nil {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
			return
		}
	}
	result, err := s.opts.Syncer.Resync(r.Context(), strings.TrimSpace(body.Model), strings.TrimSpace(body.Version))
	s.writeSync(w, result, err)
}

func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	result, err := s.opts.Syncer.Sync(r.Context())
	s.writeSync(w, result, err)
}

// writeSync reports partial progress alongside any failure.
func (s *Server) writeSync(w http.ResponseWriter, result model.SyncResult, err error) {
	embedModel, embedVersion := s.opts.Syncer.EmbedModel()
	resp := syncResponse{Result: result, EmbedModel: embedModel, EmbedVersion: embedVersion}
	status := http.StatusOK
	if err != nil {
		s.opts.Logger.Error().Err(err).Int("embedded", result.Embedded).Msg("admin sync failed")
		resp.Error = err.Error()
		status = http.StatusBadGateway
	}
	writeJSON(w, status, resp)
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	if err := s.opts.Index.Reset(r.Context()); err != nil {
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: err.Error()})
		return
	}
	s.opts.Logger.Warn().Msg("index reset")
	writeJSON(w, http.StatusOK, map[string]any{"status": "reset", "records": 0})
}

type statsResponse struct {
	Records      int            `json:"records"`
	ByKind       map[string]int `json:"by_kind"`
	Catalog      catalog.Stats  `json:"catalog"`
	EmbedModel   string         `json:"embed_model"`
	EmbedVersion string         `json:"embed_version"`
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	count, err := s.opts.Index.Count(r.Context())
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: err.Error()})
		return
	}
	byKind, err := s.opts.Index.CountByKind(r.Context())
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: err.Error()})
		return
	}
	embedModel, embedVersion := s.opts.Syncer.EmbedModel()
	writeJSON(w, http.StatusOK, statsResponse{
		Records:      count,
		ByKind:       byKind,
		Catalog:      s.opts.Catalog.Stats(),
		EmbedModel:   embedModel,
		EmbedVersion: embedVersion,
	})
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is required")
		}
		return errors.New("invalid JSON body")
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
