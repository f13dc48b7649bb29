// Package api exposes the session, filters and listings pipeline over a small
// local JSON HTTP surface.
package api

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"marketwatch/internal/config"
	"marketwatch/internal/dedup"
	"marketwatch/internal/filter"
	"marketwatch/internal/imagecache"
	"marketwatch/internal/logging"
	"marketwatch/internal/pipeline"
	"marketwatch/internal/recovery"
	"marketwatch/internal/scheduler"
)

// Session is the orchestrator surface the handlers drive.
type Session interface {
	Status() recovery.Status
	TakeRecoveredNotice() bool
	Filter() filter.State
	RestartSession(ctx context.Context) bool
	NavigateToMarketplace(ctx context.Context) error
	SelectCategory(ctx context.Context, name string) error
	Search(ctx context.Context, query string) error
	SetLocation(ctx context.Context, loc filter.Location) error
	SetPrice(ctx context.Context, min, max *int) error
	SetYear(ctx context.Context, min, max *int) (bool, error)
	SetMaxAge(minutes int) error
	RefreshPage(ctx context.Context) (recovery.RefreshOutcome, error)
}

// Listings runs one listings poll.
type Listings interface {
	Run(ctx context.Context, count int) (*pipeline.Result, error)
}

// Seen is the dedup store surface used by the cache endpoints.
type Seen interface {
	Stats(ctx context.Context) dedup.Stats
	ClearGlobal(ctx context.Context) error
	ResetSession()
}

// Images is the image cache surface used by the cache endpoints.
type Images interface {
	Len() int
	Clear() (imagecache.SweepResult, error)
}

// Catalog lists the known marketplace categories.
type Catalog interface {
	Categories() []config.Category
}

// Jobs reports scheduler job counters.
type Jobs interface {
	Stats() map[string]scheduler.JobStats
}

// Deps are the components behind the handlers. Seen, Images, Catalog and Jobs
// may be nil.
type Deps struct {
	Session  Session
	Listings Listings
	Seen     Seen
	Images   Images
	Catalog  Catalog
	Jobs     Jobs
}

// Options configures the listener.
type Options struct {
	Host        string
	Port        int
	BackupPorts []int
	// PortFile, when set, receives the bound port.
	PortFile string
	// RequestTimeout bounds ordinary requests. Listings polls get
	// ListingsTimeout instead.
	RequestTimeout  time.Duration
	ListingsTimeout time.Duration
}

// OptionsFromConfig builds listener options from cfg.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		Host:        cfg.Server.Host,
		Port:        cfg.Server.Port,
		BackupPorts: cfg.Server.BackupPorts,
		PortFile:    cfg.PortFilePath(),
	}
}

// Server is the HTTP surface.
type Server struct {
	deps Deps
	opts Options
	mux  *http.ServeMux

	listener net.Listener
	http     *http.Server
	port     int
}

// New creates a server with its routes registered. Call Listen before Serve.
func New(deps Deps, opts Options) *Server {
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 2 * time.Minute
	}
	if opts.ListingsTimeout <= 0 {
		opts.ListingsTimeout = 5 * time.Minute
	}
	s := &Server{deps: deps, opts: opts, mux: http.NewServeMux()}
	s.routes()
	return s
}

// Handler returns the routed handler with request logging applied.
func (s *Server) Handler() http.Handler {
	return withRequestID(s.mux)
}

// Port returns the bound port, or 0 before Listen.
func (s *Server) Port() int { return s.port }

// Listen binds the configured port, falling back to each backup port and
// finally to an ephemeral port. The bound port is written to the port file.
func (s *Server) Listen() (int, error) {
	candidates := make([]int, 0, len(s.opts.BackupPorts)+2)
	if s.opts.Port > 0 {
		candidates = append(candidates, s.opts.Port)
	}
	candidates = append(candidates, s.opts.BackupPorts...)
	candidates = append(candidates, 0)

	var lastErr error
	for _, port := range candidates {
		addr := net.JoinHostPort(s.opts.Host, strconv.Itoa(port))
		ln, err := net.Listen("tcp", addr)
		if err != nil {
			logging.Get(logging.CategoryAPI).Warn("port %d unavailable: %v", port, err)
			lastErr = err
			continue
		}
		s.listener = ln
		s.port = ln.Addr().(*net.TCPAddr).Port
		if port == 0 {
			logging.Get(logging.CategoryAPI).Warn("all configured ports busy, using ephemeral port %d", s.port)
		}
		if err := s.writePortFile(); err != nil {
			_ = ln.Close()
			return 0, err
		}
		logging.API("listening on %s", ln.Addr())
		return s.port, nil
	}
	return 0, fmt.Errorf("no port available: %w", lastErr)
}

func (s *Server) writePortFile() error {
	if s.opts.PortFile == "" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(s.opts.PortFile), 0755); err != nil {
		return fmt.Errorf("create port file dir: %w", err)
	}
	if err := os.WriteFile(s.opts.PortFile, []byte(strconv.Itoa(s.port)), 0644); err != nil {
		return fmt.Errorf("write port file: %w", err)
	}
	return nil
}

// Serve handles requests until ctx is cancelled, then shuts down gracefully
// and removes the port file.
func (s *Server) Serve(ctx context.Context) error {
	if s.listener == nil {
		if _, err := s.Listen(); err != nil {
			return err
		}
	}
	s.http = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- s.http.Serve(s.listener)
	}()

	defer s.removePortFile()
	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.http.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown http server: %w", err)
		}
		logging.API("http server stopped")
		return nil
	}
}

func (s *Server) removePortFile() {
	if s.opts.PortFile == "" {
		return
	}
	if err := os.Remove(s.opts.PortFile); err != nil && !os.IsNotExist(err) {
		logging.Get(logging.CategoryAPI).Warn("remove port file: %v", err)
	}
}

// ReadPortFile returns the port recorded in path.
func ReadPortFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	port, err := strconv.Atoi(string(bytes.TrimSpace(data)))
	if err != nil {
		return 0, fmt.Errorf("parse port file %s: %w", path, err)
	}
	return port, nil
}
