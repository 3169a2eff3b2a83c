package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"os"
	gosync "sync"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/steveyegge/tracksync/internal/telemetry"
	"github.com/steveyegge/tracksync/internal/types"
)

// MaxBodyBytes bounds a webhook request body.
const MaxBodyBytes = 1 << 20

// Sink receives routed change events. daemon.Controller implements it.
type Sink interface {
	Trigger(key string, events ...types.ChangeEvent)
}

// Response is the body of every webhook reply.
type Response struct {
	Success   bool     `json:"success"`
	Processed int      `json:"processed"`
	Skipped   int      `json:"skipped"`
	Errors    []string `json:"errors"`
}

// ServerConfig holds the server's collaborators.
type ServerConfig struct {
	// Addr is the listen address, e.g. ":8787".
	Addr        string
	Transformer *Transformer
	Sink        Sink
	// Feed serves GET /feed when non-nil.
	Feed *Feed

	Logger  *log.Logger
	Metrics *telemetry.IngestMetrics
}

// Server is the HTTP entrypoint for webhooks and the report feed.
type Server struct {
	cfg      ServerConfig
	handler  http.Handler
	listener net.Listener
	server   *http.Server
	wg       gosync.WaitGroup
	logger   *log.Logger
}

// NewServer validates cfg and builds the routes. Call Start to listen.
func NewServer(cfg ServerConfig) (*Server, error) {
	if cfg.Transformer == nil {
		return nil, errors.New("ingest server needs a transformer")
	}
	if cfg.Sink == nil {
		return nil, errors.New("ingest server needs a sink")
	}
	if cfg.Logger == nil {
		cfg.Logger = log.New(os.Stderr, "[ingest] ", log.LstdFlags)
	}

	s := &Server{cfg: cfg, logger: cfg.Logger}

	r := chi.NewRouter()
	r.Post("/webhooks/{system}", s.handleWebhook)
	r.Get("/health", s.handleHealth)
	if cfg.Feed != nil {
		r.Method(http.MethodGet, "/feed", cfg.Feed)
	}
	s.handler = r
	return s, nil
}

// Handler returns the router, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Start listens on cfg.Addr and serves in the background.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.cfg.Addr, err)
	}
	s.listener = ln
	s.server = &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.logger.Printf("Ingest server listening on %s", ln.Addr())
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Printf("Server error: %v", err)
		}
	}()
	return nil
}

// Addr returns the bound address once started.
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.cfg.Addr
}

// Stop shuts the server down gracefully.
func (s *Server) Stop(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown error: %w", err)
	}
	s.wg.Wait()
	s.logger.Println("Ingest server stopped")
	return nil
}

func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	sys, err := types.ParseSystem(chi.URLParam(r, "system"))
	if err != nil {
		writeResponse(w, http.StatusNotFound, &Response{Errors: []string{err.Error()}})
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, MaxBodyBytes))
	if err != nil {
		writeResponse(w, http.StatusRequestEntityTooLarge, &Response{Errors: []string{"failed to read body: " + err.Error()}})
		return
	}

	res, err := s.cfg.Transformer.Transform(sys, body)
	if err != nil {
		s.cfg.Metrics.RecordDropped(r.Context(), telemetry.DropMalformed, 1)
		status := http.StatusInternalServerError
		var perr *PayloadError
		if errors.As(err, &perr) {
			status = http.StatusBadRequest
		}
		s.logger.Printf("Rejected %s webhook: %v", sys, err)
		writeResponse(w, status, &Response{Errors: []string{err.Error()}})
		return
	}

	forward(r.Context(), s.cfg.Sink, s.cfg.Metrics, sys, res)
	writeResponse(w, http.StatusOK, &Response{
		Success:   true,
		Processed: res.Processed(),
		Skipped:   res.Skipped(),
		Errors:    []string{},
	})
}

// forward hands each batch to the sink and records what was dropped.
func forward(ctx context.Context, sink Sink, m *telemetry.IngestMetrics, sys types.System, res *Result) {
	for _, b := range res.Batches {
		sink.Trigger(b.ProjectKey, b.Events...)
	}
	m.RecordAccepted(ctx, string(sys), res.Processed())
	m.RecordDropped(ctx, telemetry.DropUnrouted, res.Unrouted)
	m.RecordDropped(ctx, telemetry.DropReplay, res.Replayed)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	body := map[string]any{"status": "ok"}
	if s.cfg.Feed != nil {
		body["subscribers"] = s.cfg.Feed.ClientCount()
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(body)
}

func writeResponse(w http.ResponseWriter, status int, resp *Response) {
	if resp.Errors == nil {
		resp.Errors = []string{}
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(resp)
}
