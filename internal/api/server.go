package api

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/zde37/gusearch/internal/transport"
	"github.com/zde37/gusearch/pkg"
)

// Backend is the node as the HTTP API sees it.
type Backend interface {
	RingState(ctx context.Context) (map[string]any, error)
	Fingers(ctx context.Context) ([]any, error)
	Documents(ctx context.Context) (map[string][]string, error)
	Execute(ctx context.Context, line string) (string, error)
}

// Server is the HTTP API: JSON reads of the node state, operator commands,
// the live event stream and the metrics endpoint.
type Server struct {
	backend    Backend
	hub        *WebSocketHub
	logger     *pkg.Logger
	address    string
	authToken  string
	metrics    http.Handler
	httpServer *http.Server
	listener   net.Listener
}

// Config holds the HTTP server configuration.
type Config struct {
	Address   string        // host:port to listen on, port 0 picks one
	AuthToken string        // required on POST /api/v1/commands when set
	Metrics   http.Handler  // served on /metrics when set
	Hub       *WebSocketHub // event stream, created when nil
}

// NewServer creates the HTTP API server.
func NewServer(backend Backend, cfg *Config, logger *pkg.Logger) (*Server, error) {
	if backend == nil {
		return nil, fmt.Errorf("backend cannot be nil")
	}
	if cfg == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}

	logger = logger.WithFields(pkg.Fields{"component": "http_api"})
	hub := cfg.Hub
	if hub == nil {
		hub = NewWebSocketHub(logger)
	}
	return &Server{
		backend:   backend,
		hub:       hub,
		logger:    logger,
		address:   cfg.Address,
		authToken: cfg.AuthToken,
		metrics:   cfg.Metrics,
	}, nil
}

// Hub returns the event stream. Register it as a node broadcaster.
func (s *Server) Hub() *WebSocketHub {
	return s.hub
}

// Handler builds the routing tree.
func (s *Server) Handler() (http.Handler, error) {
	mux := runtime.NewServeMux(
		runtime.WithMarshalerOption(runtime.MIMEWildcard, &runtime.JSONPb{
			MarshalOptions:   protojson.MarshalOptions{EmitUnpopulated: true},
			UnmarshalOptions: protojson.UnmarshalOptions{DiscardUnknown: true},
		}),
	)

	routes := []struct {
		method, path string
		handler      runtime.HandlerFunc
	}{
		{http.MethodGet, "/api/v1/ring", s.handleRing(mux)},
		{http.MethodGet, "/api/v1/fingers", s.handleFingers(mux)},
		{http.MethodGet, "/api/v1/documents", s.handleDocuments(mux)},
		{http.MethodPost, "/api/v1/commands", s.handleCommand(mux)},
	}
	for _, rt := range routes {
		if err := mux.HandlePath(rt.method, rt.path, rt.handler); err != nil {
			return nil, fmt.Errorf("failed to register %s %s: %w", rt.method, rt.path, err)
		}
	}

	httpMux := http.NewServeMux()
	httpMux.Handle("/api/", corsMiddleware(mux))
	httpMux.HandleFunc("/api/ws", s.hub.HandleWebSocket)
	httpMux.HandleFunc("/health", s.healthHandler)
	if s.metrics != nil {
		httpMux.Handle("/metrics", s.metrics)
	}
	return requestIDMiddleware(httpMux), nil
}

// Start listens on the configured address and serves in the background.
func (s *Server) Start() error {
	handler, err := s.Handler()
	if err != nil {
		return err
	}
	lis, err := net.Listen("tcp", s.address)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.address, err)
	}
	s.listener = lis

	go s.hub.Run()

	s.httpServer = &http.Server{
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		if err := s.httpServer.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error().Err(err).Msg("HTTP server error")
		}
	}()

	s.logger.Info().Str("address", lis.Addr().String()).Msg("HTTP API server started")
	return nil
}

// Addr returns the bound address once Start succeeded.
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Stop closes the event stream and shuts the HTTP server down.
func (s *Server) Stop() error {
	s.logger.Info().Msg("Stopping HTTP API server")

	if s.httpServer == nil {
		return nil
	}
	s.hub.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown HTTP server: %w", err)
	}

	s.logger.Info().Msg("HTTP API server stopped")
	return nil
}

func (s *Server) handleRing(mux *runtime.ServeMux) runtime.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request, _ map[string]string) {
		state, err := s.backend.RingState(r.Context())
		if err != nil {
			s.writeError(mux, w, r, transport.StatusError(err))
			return
		}
		msg, err := structpb.NewStruct(state)
		if err != nil {
			s.writeError(mux, w, r, err)
			return
		}
		s.write(mux, w, r, msg)
	}
}

func (s *Server) handleFingers(mux *runtime.ServeMux) runtime.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request, _ map[string]string) {
		fingers, err := s.backend.Fingers(r.Context())
		if err != nil {
			s.writeError(mux, w, r, transport.StatusError(err))
			return
		}
		msg, err := structpb.NewStruct(map[string]any{"fingers": orEmpty(fingers)})
		if err != nil {
			s.writeError(mux, w, r, err)
			return
		}
		s.write(mux, w, r, msg)
	}
}

func (s *Server) handleDocuments(mux *runtime.ServeMux) runtime.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request, _ map[string]string) {
		docs, err := s.backend.Documents(r.Context())
		if err != nil {
			s.writeError(mux, w, r, transport.StatusError(err))
			return
		}
		terms := make(map[string]any, len(docs))
		for term, ids := range docs {
			list := make([]any, 0, len(ids))
			for _, id := range ids {
				list = append(list, id)
			}
			terms[term] = list
		}
		msg, err := structpb.NewStruct(map[string]any{"terms": terms})
		if err != nil {
			s.writeError(mux, w, r, err)
			return
		}
		s.write(mux, w, r, msg)
	}
}

// handleCommand runs {"command": "..."} and answers {"output": "..."}.
func (s *Server) handleCommand(mux *runtime.ServeMux) runtime.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request, _ map[string]string) {
		if !s.authorized(r) {
			s.writeError(mux, w, r, status.Error(codes.Unauthenticated, "invalid or missing auth token"))
			return
		}

		inbound, _ := runtime.MarshalerForRequest(mux, r)
		var body structpb.Struct
		if err := inbound.NewDecoder(r.Body).Decode(&body); err != nil {
			s.writeError(mux, w, r, status.Errorf(codes.InvalidArgument, "malformed request body: %v", err))
			return
		}
		line := body.GetFields()["command"].GetStringValue()
		if line == "" {
			s.writeError(mux, w, r, status.Error(codes.InvalidArgument, "command is required"))
			return
		}

		out, err := s.backend.Execute(r.Context(), line)
		if err != nil {
			s.writeError(mux, w, r, transport.StatusError(err))
			return
		}
		s.write(mux, w, r, &structpb.Struct{Fields: map[string]*structpb.Value{
			"output": structpb.NewStringValue(out),
		}})
	}
}

func (s *Server) authorized(r *http.Request) bool {
	if s.authToken == "" {
		return true
	}
	token := r.Header.Get(transport.AuthTokenHeader)
	return subtle.ConstantTimeCompare([]byte(token), []byte(s.authToken)) == 1
}

func (s *Server) write(mux *runtime.ServeMux, w http.ResponseWriter, r *http.Request, msg *structpb.Struct) {
	_, outbound := runtime.MarshalerForRequest(mux, r)
	data, err := outbound.Marshal(msg)
	if err != nil {
		s.writeError(mux, w, r, err)
		return
	}
	w.Header().Set("Content-Type", outbound.ContentType(msg))
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(data); err != nil {
		s.logger.WithContext(r.Context()).Debug().Err(err).Msg("Failed to write response")
	}
}

func (s *Server) writeError(mux *runtime.ServeMux, w http.ResponseWriter, r *http.Request, err error) {
	s.logger.WithContext(r.Context()).Warn().
		Err(err).
		Str("method", r.Method).
		Str("path", r.URL.Path).
		Msg("API request failed")
	_, outbound := runtime.MarshalerForRequest(mux, r)
	runtime.HTTPError(r.Context(), mux, outbound, w, r, err)
}

// healthHandler handles health check requests.
func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

func orEmpty(values []any) []any {
	if values == nil {
		return []any{}
	}
	return values
}

// corsMiddleware adds CORS headers to responses.
func corsMiddleware(h http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, "+transport.AuthTokenHeader)

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		h.ServeHTTP(w, r)
	})
}

// requestIDMiddleware tags every request with an id, keeping one the caller
// supplied.
func requestIDMiddleware(h http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(transport.RequestIDHeader)
		if id == "" {
			id = uuid.New().String()
		}
		w.Header().Set(transport.RequestIDHeader, id)
		ctx := context.WithValue(r.Context(), pkg.RequestIDKey, id)
		h.ServeHTTP(w, r.WithContext(ctx))
	})
}
