package blackhole

import (
	"bufio"
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/coder/websocket"

	"ella.to/blackhole/internal/metrics"
)

const (
	DefaultLogPath     = "request_log"
	DefaultMaxBodySize = 256 << 10

	SuccessMessage = "Request processed successfully"
)

var DefaultReservedPaths = []string{"/ui", "/download", "/api", "/ws"}

type Server struct {
	logPath     string
	bufferSize  int
	maxBodySize int64
	reserved    map[string]struct{}
	store       *Store
}

var _ http.Handler = (*Server)(nil)

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	sw := &statusWriter{ResponseWriter: w, code: http.StatusOK}

	route := s.route(sw, r)

	metrics.HttpProcessedRequest(route, r.Method, sw.code)
	metrics.HttpRequestDuration(route, r.Method, sw.code, time.Since(start).Seconds())
}

func (s *Server) route(w http.ResponseWriter, r *http.Request) string {
	path := r.URL.Path

	if r.Method == http.MethodGet || r.Method == http.MethodHead {
		switch path {
		case "/ui":
			s.handleUI(w, r)
			return "ui"
		case "/api":
			s.handleAPI(w, r)
			return "api"
		case "/download":
			s.handleDownload(w, r)
			return "download"
		case "/ws":
			if r.Method == http.MethodGet {
				s.handleStream(w, r)
				return "ws"
			}
		}
	}

	// reserved paths are matched with their query, so /api?x=1 is captured
	if uri := r.URL.RequestURI(); s.isReserved(uri) {
		slog.Debug("skipping reserved path", "method", r.Method, "path", uri)
		writeSuccess(w)
		return "reserved"
	}

	s.handleCapture(w, r)
	return "capture"
}

func (s *Server) isReserved(uri string) bool {
	_, ok := s.reserved[uri]
	return ok
}

// Store returns the request log backing the server.
func (s *Server) Store() *Store {
	return s.store
}

func (s *Server) Close() error {
	return s.store.Close()
}

func (s *Server) handleCapture(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.maxBodySize))
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			slog.Warn("request body too large", "method", r.Method, "path", r.URL.RequestURI(), "limit", maxErr.Limit)
			http.Error(w, "request body too large", http.StatusRequestEntityTooLarge)
			return
		}

		slog.Error("failed to read request body", "method", r.Method, "path", r.URL.RequestURI(), "error", err)
		http.Error(w, "failed to read request body", http.StatusBadRequest)
		return
	}

	rec := NewRecord(r, body, time.Now())

	if err := s.store.Append(r.Context(), rec); err != nil {
		slog.Error("failed to record request", "id", rec.ID, "method", rec.Method, "path", rec.Path, "error", err)
		http.Error(w, "failed to record request", http.StatusInternalServerError)
		return
	}

	w.Header().Set("X-Blackhole-Id", rec.ID)
	writeSuccess(w)
}

func (s *Server) handleUI(w http.ResponseWriter, r *http.Request) {
	text, count, size := s.store.View()

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	if r.Method == http.MethodHead {
		return
	}

	if err := renderUI(w, count, size, text); err != nil {
		slog.Error("failed to render ui", "error", err)
	}
}

func (s *Server) handleAPI(w http.ResponseWriter, r *http.Request) {
	list := newRecordList()

	if !wantsJSON(r) {
		list.Text(s.store.Text()).WriteResponse(w, r)
		return
	}

	_, indent := r.URL.Query()["pretty"]
	if _, err := list.JSON(s.store.Snapshot(), indent); err != nil {
		slog.Error("failed to encode records", "error", err)
		http.Error(w, "failed to encode records", http.StatusInternalServerError)
		return
	}

	list.WriteResponse(w, r)
}

func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	rc, err := s.store.Open()
	if err != nil {
		slog.Error("failed to open request log for download", "path", s.store.Path(), "error", err)
		http.Error(w, "failed to open request log", http.StatusInternalServerError)
		return
	}
	defer rc.Close()

	w.Header().Set("Content-Disposition", `attachment; filename="request_log"`)
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	http.ServeContent(w, r, "request_log", rc.ModTime, rc)
}

// handleStream subscribes before upgrading, so a client sees every record
// captured after its handshake completed. With ?since=N the records after the
// first N are sent first, which lets a page rendered with N records catch up
// without gaps or duplicates.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	since := -1
	if v := r.URL.Query().Get("since"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			http.Error(w, "invalid since parameter", http.StatusBadRequest)
			return
		}
		since = n
	}

	backlog, records, cancel, err := s.store.Subscribe(r.Context(), since, s.bufferSize)
	if err != nil {
		slog.Error("failed to subscribe to request log", "error", err)
		http.Error(w, "request log is closed", http.StatusServiceUnavailable)
		return
	}
	defer cancel()

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		slog.Error("failed to accept websocket", "error", err)
		return
	}
	defer conn.CloseNow()

	ctx := conn.CloseRead(r.Context())

	slog.Debug("live subscriber connected", "remote_addr", r.RemoteAddr, "backlog", len(backlog))
	defer slog.Debug("live subscriber disconnected", "remote_addr", r.RemoteAddr)

	for _, rec := range backlog {
		if err := writeRecord(ctx, conn, rec); err != nil {
			slog.Debug("failed to write to live subscriber", "error", err)
			return
		}
	}

	for {
		select {
		case <-ctx.Done():
			conn.Close(websocket.StatusNormalClosure, "")
			return
		case rec, ok := <-records:
			if !ok {
				conn.Close(websocket.StatusGoingAway, "request log is closed")
				return
			}

			if err := writeRecord(ctx, conn, rec); err != nil {
				slog.Debug("failed to write to live subscriber", "error", err)
				return
			}
		}
	}
}

func writeRecord(ctx context.Context, conn *websocket.Conn, rec *Record) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	return conn.Write(ctx, websocket.MessageText, []byte(rec.String()))
}

func writeSuccess(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	io.WriteString(w, SuccessMessage)
}

type statusWriter struct {
	http.ResponseWriter
	code        int
	wroteHeader bool
}

func (sw *statusWriter) WriteHeader(code int) {
	if !sw.wroteHeader {
		sw.code = code
		sw.wroteHeader = true
	}
	sw.ResponseWriter.WriteHeader(code)
}

func (sw *statusWriter) Write(b []byte) (int, error) {
	sw.wroteHeader = true
	return sw.ResponseWriter.Write(b)
}

func (sw *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := sw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("http.ResponseWriter does not implement http.Hijacker")
	}
	return hj.Hijack()
}

func (sw *statusWriter) Unwrap() http.ResponseWriter {
	return sw.ResponseWriter
}

type serverOpt interface {
	configureServer(*Server)
}

type serverOptFunc func(*Server)

func (f serverOptFunc) configureServer(s *Server) {
	f(s)
}

func WithLogPath(path string) serverOptFunc {
	return func(s *Server) {
		s.logPath = path
	}
}

func WithBufferSize(size int) serverOptFunc {
	return func(s *Server) {
		s.bufferSize = size
	}
}

func WithMaxBodySize(size int64) serverOptFunc {
	return func(s *Server) {
		s.maxBodySize = size
	}
}

// WithReservedPaths replaces the set of paths that are never captured.
func WithReservedPaths(paths ...string) serverOptFunc {
	return func(s *Server) {
		s.reserved = make(map[string]struct{}, len(paths))
		for _, p := range paths {
			s.reserved[p] = struct{}{}
		}
	}
}

// NewServer truncates the request log and returns a handler capturing every
// request into it.
func NewServer(opts ...serverOpt) (*Server, error) {
	s := &Server{
		logPath:     DefaultLogPath,
		bufferSize:  100,
		maxBodySize: DefaultMaxBodySize,
	}

	WithReservedPaths(DefaultReservedPaths...)(s)

	for _, opt := range opts {
		opt.configureServer(s)
	}

	store, err := NewStore(s.logPath, s.bufferSize)
	if err != nil {
		return nil, err
	}
	s.store = store

	return s, nil
}
