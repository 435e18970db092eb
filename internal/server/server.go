package server

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"

	"github.com/smenaquispe/observatory/internal/capture"
	"github.com/smenaquispe/observatory/internal/config"
	"github.com/smenaquispe/observatory/internal/dashboard"
	"github.com/smenaquispe/observatory/internal/logger"
	"github.com/smenaquispe/observatory/internal/printer"
	"github.com/smenaquispe/observatory/internal/replay"
	"github.com/smenaquispe/observatory/internal/storage"
)

// Server composes the host application, the interceptor and the dashboard
// into one HTTP server.
type Server struct {
	config      *config.Config
	logger      logger.Logger
	store       storage.Store
	interceptor *capture.Interceptor
	dashboard   *dashboard.Service
	httpSrv     *http.Server
	router      *mux.Router
}

// New wires the observation pipeline around the given host application
// handler. resolver may be nil when handler names are not resolvable.
func New(cfg *config.Config, log logger.Logger, app http.Handler, resolver capture.HandlerNameResolver) (*Server, error) {
	store, err := storage.New(&cfg.Storage, log)
	if err != nil {
		return nil, fmt.Errorf("create store: %w", err)
	}

	namespace := config.NormalizePath(cfg.Dashboard.Path)

	// The dispatcher is filled in below once the wrapped pipeline exists;
	// replay dispatch then enters the exact same entry point organic
	// traffic does, so every replay is captured as a fresh record.
	dispatcher := &replay.HandlerDispatcher{}
	engine := replay.NewEngine(store, dispatcher, log, namespace)

	dash := dashboard.NewService(&cfg.Dashboard, log, store, engine)
	console := printer.NewConsolePrinter(log)

	interceptor := capture.NewInterceptor(store, log, capture.Options{
		ReservedPrefix:     namespace,
		MaxBodyChars:       cfg.Capture.MaxBodyChars,
		ResolveHandlerName: resolver,
		Notifiers:          []capture.Notifier{dash, console},
	})

	wrapped := interceptor.Wrap(app)
	dispatcher.Handler = wrapped

	router := mux.NewRouter()
	dash.RegisterRoutes(router)
	router.PathPrefix("/").Handler(wrapped)

	return &Server{
		config:      cfg,
		logger:      log,
		store:       store,
		interceptor: interceptor,
		dashboard:   dash,
		router:      router,
	}, nil
}

// Handler exposes the composed router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start starts the server and blocks until a shutdown signal arrives.
func (s *Server) Start() error {
	s.httpSrv = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", s.config.Server.Host, s.config.Server.Port),
		Handler:      s.router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info("Starting HTTP server",
		"addr", s.httpSrv.Addr,
		"dashboard", s.interceptor.ReservedPrefix(),
	)

	go func() {
		if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Fatal("Server failed to start", "error", err)
		}
	}()

	s.waitForShutdown()

	return nil
}

func (s *Server) waitForShutdown() {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	<-quit
	s.logger.Info("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := s.httpSrv.Shutdown(ctx); err != nil {
		s.logger.Error("Server forced to shutdown", "error", err)
	}

	s.dashboard.Close()
	if err := s.store.Close(); err != nil {
		s.logger.Error("Failed to close store", "error", err)
	}

	s.logger.Info("Server exited")
}

// Stop stops the server.
func (s *Server) Stop() error {
	var err error
	if s.httpSrv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		err = s.httpSrv.Shutdown(ctx)
	}
	s.dashboard.Close()
	if closeErr := s.store.Close(); err == nil {
		err = closeErr
	}
	return err
}

// RouteNameResolver resolves handler names by matching the request against a
// mux router: the route name when set, otherwise its path template.
func RouteNameResolver(router *mux.Router) capture.HandlerNameResolver {
	return func(r *http.Request) string {
		var match mux.RouteMatch
		if router.Match(r, &match) && match.Route != nil {
			if name := match.Route.GetName(); name != "" {
				return name
			}
			if tpl, err := match.Route.GetPathTemplate(); err == nil {
				return tpl
			}
		}
		return ""
	}
}
