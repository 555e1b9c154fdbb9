package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/sokinpui/protopatch/internal/gitops"
	"github.com/sokinpui/protopatch/internal/logging"
	"github.com/sokinpui/protopatch/internal/parser"
	"github.com/sokinpui/protopatch/model"
)

const (
	maxBodyBytes    = 10 << 20
	shutdownTimeout = 5 * time.Second
)

// Engine is the apply surface the server drives.
type Engine interface {
	Apply(ctx context.Context, root, protocolText string) (*model.Report, error)
	Preview(ctx context.Context, root, protocolText string) (*model.Report, error)
}

// Server is the HTTP transport for the apply engine and git helpers.
type Server struct {
	engine     Engine
	gitTimeout time.Duration
	logger     *zap.Logger
	// applies admits one run at a time across all requests.
	applies *semaphore.Weighted
}

// New creates a Server.
func New(engine Engine, gitTimeout time.Duration, logger *zap.Logger) *Server {
	return &Server{
		engine:     engine,
		gitTimeout: gitTimeout,
		logger:     logging.OrNop(logger),
		applies:    semaphore.NewWeighted(1),
	}
}

// Handler returns the routed handler with CORS and request logging.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	})
	mux.HandleFunc("GET /status", s.handleStatus)

	mux.HandleFunc("OPTIONS /apply", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	mux.HandleFunc("POST /apply", s.handleApply)

	mux.HandleFunc("POST /git/init", s.handleGitInit)
	mux.HandleFunc("POST /git/commit", s.handleGitCommit)

	return s.logRequests(withCORS(mux))
}

// Run listens on addr and serves until ctx is cancelled.
func (s *Server) Run(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve serves on ln until ctx is cancelled, then shuts down gracefully.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s.logger.Info("serving", zap.String("addr", ln.Addr().String()))
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

func (s *Server) handleApply(w http.ResponseWriter, r *http.Request) {
	var body struct {
		WorkspaceRoot string `json:"workspace_root"`
		ProtocolText  string `json:"protocol_text"`
		DryRun        bool   `json:"dry_run"`
	}
	if err := readJSON(r, &body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"ok": false, "error": err.Error()})
		return
	}

	if err := s.applies.Acquire(r.Context(), 1); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"ok": false, "error": err.Error()})
		return
	}
	defer s.applies.Release(1)

	root := rootOrDefault(body.WorkspaceRoot)
	run := s.engine.Apply
	if body.DryRun {
		run = s.engine.Preview
	}
	report, err := run(r.Context(), root, body.ProtocolText)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, parser.ErrProtocolSyntax) || errors.Is(err, parser.ErrMissingEndMarker) {
			status = http.StatusBadRequest
		}
		writeJSON(w, status, map[string]any{"ok": false, "error": err.Error()})
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"ok":      true,
		"output":  report.Output(),
		"run_id":  report.RunID,
		"failed":  report.Failed(),
		"dry_run": report.DryRun,
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	_, gitAvailable := gitops.Which()
	inited := false
	if root := strings.TrimSpace(r.URL.Query().Get("workspace_root")); root != "" {
		if abs, err := filepath.Abs(root); err == nil {
			inited = gitops.Inited(abs)
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":            true,
		"server":        "on",
		"git_available": gitAvailable,
		"git_inited":    inited,
	})
}

func (s *Server) handleGitInit(w http.ResponseWriter, r *http.Request) {
	var body struct {
		WorkspaceRoot string `json:"workspace_root"`
		Name          string `json:"name"`
		Email         string `json:"email"`
	}
	if err := readJSON(r, &body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"ok": false, "error": err.Error()})
		return
	}
	if strings.TrimSpace(body.Name) == "" || strings.TrimSpace(body.Email) == "" {
		writeJSON(w, http.StatusBadRequest, map[string]any{"ok": false, "error": gitops.ErrIdentityRequired.Error()})
		return
	}

	git, err := gitops.New(s.gitTimeout, s.logger)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"ok": false, "error": err.Error()})
		return
	}
	out, err := git.Init(r.Context(), rootOrDefault(body.WorkspaceRoot), body.Name, body.Email)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"ok": false, "error": err.Error(), "output": out})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "output": out})
}

func (s *Server) handleGitCommit(w http.ResponseWriter, r *http.Request) {
	var body struct {
		WorkspaceRoot string `json:"workspace_root"`
		Message       string `json:"message"`
		Push          bool   `json:"push"`
	}
	if err := readJSON(r, &body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"ok": false, "error": err.Error()})
		return
	}

	git, err := gitops.New(s.gitTimeout, s.logger)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"ok": false, "error": err.Error()})
		return
	}
	out, err := git.Commit(r.Context(), rootOrDefault(body.WorkspaceRoot), body.Message, body.Push)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"ok": false, "error": err.Error(), "output": out})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "output": out})
}

func rootOrDefault(root string) string {
	if strings.TrimSpace(root) == "" {
		return "."
	}
	return root
}

func withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("Access-Control-Allow-Origin", "*")
		h.Set("Access-Control-Allow-Headers", "Content-Type")
		h.Set("Access-Control-Allow-Methods", "POST, OPTIONS, GET")
		next.ServeHTTP(w, r)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.logger.Debug("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", rec.status),
			zap.Duration("took", time.Since(start)))
	})
}

func readJSON(r *http.Request, dst any) error {
	if r == nil || r.Body == nil {
		return fmt.Errorf("empty request body")
	}
	defer r.Body.Close()

	b, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		return fmt.Errorf("failed reading request body: %v", err)
	}
	if len(strings.TrimSpace(string(b))) == 0 {
		b = []byte("{}")
	}
	if err := json.Unmarshal(b, dst); err != nil {
		return fmt.Errorf("invalid json: %v", err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	b, err := json.Marshal(v)
	if err != nil {
		_, _ = w.Write([]byte(`{"ok":false,"error":"failed to marshal json"}`))
		return
	}
	_, _ = w.Write(append(b, '\n'))
}
