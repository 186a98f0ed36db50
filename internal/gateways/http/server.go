package http

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	cfg "subs_relay/internal/config"
	"subs_relay/internal/gateways/http/mw"
	"subs_relay/internal/signing"
	"subs_relay/internal/token"
	"subs_relay/internal/usecase"
)

const defaultShutdown = 5 * time.Second

var ginModes = map[string]string{
	"local": gin.DebugMode,
	"dev":   gin.DebugMode,
	"test":  gin.TestMode,
	"prod":  gin.ReleaseMode,
}

// UseCases bundles what the handlers call into.
type UseCases struct {
	Ledger   *usecase.Ledger
	Registry *usecase.Registry
	// Domain verifies signed caller headers; nil leaves every caller-bound route at 401
	Domain *signing.Domain
	// Bank nil hides the token routes
	Bank *token.Bank
	// Faucet enables POST /tokens/:token/mint
	Faucet bool
}

// Server serves the protocol API until its context is cancelled.
type Server struct {
	addr     string
	shutdown time.Duration
	log      *slog.Logger
	srv      *http.Server
}

// Option tunes a Server.
type Option func(*Server)

// New builds the router from conf and wraps it into an http.Server.
func New(useCases UseCases, conf cfg.Config, log *slog.Logger, options ...Option) *Server {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	s := &Server{
		addr:     net.JoinHostPort("localhost", "8080"),
		shutdown: defaultShutdown,
		log:      log,
	}
	for _, o := range options {
		o(s)
	}
	s.srv = &http.Server{
		Addr:              s.addr,
		Handler:           SetupGin(conf, useCases, s.log),
		ReadHeaderTimeout: s.shutdown,
	}
	return s
}

// WithAddr listens on host:port; zero values keep the default part.
func WithAddr(host string, port uint16) Option {
	return func(s *Server) {
		h, p, _ := net.SplitHostPort(s.addr)
		if host != "" {
			h = host
		}
		if port != 0 {
			p = strconv.Itoa(int(port))
		}
		s.addr = net.JoinHostPort(h, p)
	}
}

func WithLogger(log *slog.Logger) Option {
	return func(s *Server) {
		if log != nil {
			s.log = log
		}
	}
}

// WithTimeout bounds both header reads and graceful shutdown.
func WithTimeout(timeout time.Duration) Option {
	return func(s *Server) {
		if timeout > 0 {
			s.shutdown = timeout
		}
	}
}

// SetupGin builds the engine: request id, recovery, access log, metrics,
// CORS for the configured origins only, then the routes.
func SetupGin(conf cfg.Config, useCases UseCases, log *slog.Logger) *gin.Engine {
	if mode, ok := ginModes[conf.Env]; ok {
		gin.SetMode(mode)
	}
	r := gin.New()
	r.Use(
		mw.RequestID(),
		mw.RecoveryWithSlog(log),
		mw.GinSlog(log),
		mw.Prometheus(),
	)
	if len(conf.Server.CORSOrigins) > 0 {
		r.Use(cors.New(corsConfig(conf.Server.CORSOrigins)))
	}
	setupRouter(r, useCases, conf.Server.AuthMaxAge)
	return r
}

// Callers authenticate by signature, never by cookie, so credentials stay off.
func corsConfig(origins []string) cors.Config {
	return cors.Config{
		AllowOrigins: append([]string(nil), origins...),
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete},
		AllowHeaders: []string{
			"Content-Type",
			"X-Request-ID",
			mw.AccountHeader,
			mw.SignatureHeader,
			mw.IssuedAtHeader,
		},
		ExposeHeaders: []string{"X-Request-ID"},
		MaxAge:        12 * time.Hour,
	}
}

// Run serves until ctx is done, then drains in-flight requests.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.log.Info("http server started", slog.String("addr", s.addr))
		err := s.srv.ListenAndServe()
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		errCh <- err
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	if err := s.Close(); err != nil {
		return fmt.Errorf("shutdown server: %w", err)
	}
	if err := <-errCh; err != nil {
		return err
	}
	s.log.Info("server shutdown complete")
	return nil
}

// Close gracefully shuts the server down.
func (s *Server) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), s.shutdown)
	defer cancel()
	return s.srv.Shutdown(ctx)
}
