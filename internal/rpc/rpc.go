// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

// Package rpc is the JSON-RPC 2.0 management plane of the daemon. Requests are
// POSTed to the root path, one call per HTTP request. Errors carry negated
// errno codes for failures of the operation itself and the standard JSON-RPC
// codes for malformed calls.
package rpc

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/asch/pfbd/internal/bdev"
	"github.com/asch/pfbd/internal/iodev"
	"github.com/asch/pfbd/internal/pfbd"
	"github.com/asch/pfbd/internal/thread"
)

const (
	Version = "2.0"

	// Default time a call may take, including the wait for asynchronous
	// completions.
	DefaultTimeout = 30 * time.Second

	maxBodySize = 64 << 20
)

// JSON-RPC error codes.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603

	CodeEIO     = -5
	CodeENOMEM  = -12
	CodeEEXIST  = -17
	CodeENODEV  = -19
	CodeEINVAL  = -22
	CodeENOTSUP = -95
)

// Request is one JSON-RPC call.
type Request struct {
	Version string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
	ID      json.RawMessage `json:"id,omitempty"`
}

// Response is the reply to one call. Exactly one of Result and Error is set.
type Response struct {
	Version string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  interface{}     `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}

type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *Error) Error() string {
	return e.Message
}

type handlerFunc func(ctx context.Context, params json.RawMessage) (interface{}, error)

// Server serves the management methods.
type Server struct {
	fw      *bdev.Framework
	mod     *pfbd.Module
	threads *thread.Group
	metrics prometheus.Gatherer
	timeout time.Duration

	methods map[string]handlerFunc
}

// Options of the server. Zero values are replaced by defaults.
type Options struct {
	// Source of /metrics, nil disables the endpoint.
	Metrics prometheus.Gatherer

	// Per call timeout, DefaultTimeout when zero.
	Timeout time.Duration
}

// NewServer creates the server. Block I/O methods are executed on threads
// of the group.
func NewServer(fw *bdev.Framework, mod *pfbd.Module, threads *thread.Group, o Options) *Server {
	if o.Timeout == 0 {
		o.Timeout = DefaultTimeout
	}

	s := &Server{
		fw:      fw,
		mod:     mod,
		threads: threads,
		metrics: o.Metrics,
		timeout: o.Timeout,
	}

	s.methods = map[string]handlerFunc{
		"bdev_pfbd_create":     s.create,
		"bdev_pfbd_delete":     s.delete,
		"bdev_pfbd_resize":     s.resize,
		"bdev_get_bdevs":       s.getBdevs,
		"framework_get_config": s.getConfig,
		"bdev_read_blocks":     s.readBlocks,
		"bdev_write_blocks":    s.writeBlocks,
		"rpc_get_methods":      s.getMethods,
	}

	return s
}

// Handler returns the HTTP handler of the server.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)

	r.Post("/", s.serveRPC)

	if s.metrics != nil {
		r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(s.metrics, promhttp.HandlerOpts{}))
	}

	return r
}

// ListenAndServe serves on addr until ctx is canceled.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		errc <- srv.ListenAndServe()
	}()

	log.Info().Str("listen", addr).Msg("RPC server started")

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}

	log.Info().Str("listen", addr).Msg("RPC server stopped")

	return nil
}

// Call executes one method.
func (s *Server) Call(ctx context.Context, method string, params json.RawMessage) (interface{}, error) {
	h, ok := s.methods[method]
	if !ok {
		return nil, &Error{Code: CodeMethodNotFound, Message: "Method not found"}
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	return h(ctx, params)
}

func (s *Server) serveRPC(w http.ResponseWriter, r *http.Request) {
	var req Request

	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodySize))
	if err := dec.Decode(&req); err != nil {
		writeResponse(w, Response{Error: &Error{Code: CodeParseError, Message: "Parse error"}})
		return
	}

	if req.Version != Version || req.Method == "" {
		writeResponse(w, Response{ID: req.ID, Error: &Error{Code: CodeInvalidRequest, Message: "Invalid request"}})
		return
	}

	resp := Response{ID: req.ID}

	result, err := s.Call(r.Context(), req.Method, req.Params)
	if err != nil {
		resp.Error = toError(err)
		log.Error().Err(err).Str("method", req.Method).Int("code", resp.Error.Code).Msg("RPC call failed")
	} else {
		resp.Result = result
	}

	writeResponse(w, resp)
}

func writeResponse(w http.ResponseWriter, resp Response) {
	resp.Version = Version
	if resp.ID == nil {
		resp.ID = json.RawMessage("null")
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		log.Error().Err(err).Msg("Failed to write RPC response")
	}
}

// Maps errors of the block layer to negated errno codes.
func toError(err error) *Error {
	var rpcErr *Error
	if errors.As(err, &rpcErr) {
		return rpcErr
	}

	code := CodeEIO

	switch {
	case errors.Is(err, pfbd.ErrInvalidArgument), errors.Is(err, bdev.ErrOutOfRange):
		code = CodeEINVAL
	case errors.Is(err, bdev.ErrNotSupported):
		code = CodeENOTSUP
	case errors.Is(err, bdev.ErrNotFound), errors.Is(err, iodev.ErrUnregistered):
		code = CodeENODEV
	case errors.Is(err, bdev.ErrExists):
		code = CodeEEXIST
	case errors.Is(err, bdev.ErrNoIO):
		code = CodeENOMEM
	case errors.Is(err, context.DeadlineExceeded):
		code = CodeInternalError
	}

	return &Error{Code: code, Message: err.Error()}
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		log.Debug().Str("request_id", middleware.GetReqID(r.Context())).
			Str("method", r.Method).Str("path", r.URL.Path).
			Int("status", ww.Status()).Dur("duration", time.Since(start)).
			Msg("API request completed")
	})
}
