// Package app wires config, logging, the engine, a backend, and the
// transport HTTP server into one running process, adapted from the
// teacher's internal/app.Server (graceful-shutdown HTTP server plus a
// backing ingestion goroutine).
package app

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/liveset/liveset/internal/backend/binlog"
	"github.com/liveset/liveset/internal/backend/notify"
	"github.com/liveset/liveset/internal/config"
	"github.com/liveset/liveset/internal/engine"
	"github.com/liveset/liveset/internal/query"
	"github.com/liveset/liveset/internal/query/pgquery"
	"github.com/liveset/liveset/internal/transport"
)

// lateBoundSink lets a backend be constructed before the Engine it
// reports into exists, since Engine's own constructor requires a
// fully-formed Backend up front.
type lateBoundSink struct {
	eng *engine.Engine
}

func (s *lateBoundSink) bind(eng *engine.Engine) { s.eng = eng }

func (s *lateBoundSink) Ingress(evt engine.RowEvent) { s.eng.Ingress(evt) }

func (s *lateBoundSink) IngressSuppliedPayload(database, table string, rows []engine.CandidateRow) {
	s.eng.IngressSuppliedPayload(database, table, rows)
}

func (s *lateBoundSink) ReportIngressError(err error) { s.eng.ReportIngressError(err) }

// Server owns the Engine, its backend, and the HTTP server exposing it.
type Server struct {
	cfg        *config.Config
	logger     *zap.Logger
	engine     *engine.Engine
	httpServer *http.Server
}

// NewServer constructs a Server from cfg. binlogReader is only used when
// cfg.Backend == "binlog"; pass nil when using the notify backend.
func NewServer(cfg *config.Config, logger *zap.Logger, binlogReader binlog.RawBinlogEventReader) (*Server, error) {
	pool, err := pgxpool.New(context.Background(), cfg.Postgres.DSN)
	if err != nil {
		return nil, fmt.Errorf("app: connect postgres: %w", err)
	}

	executor := query.NewExecutor(pool, pgquery.New())

	// Engine and backend are mutually referential: the backend needs the
	// Engine as its ingress Sink, and the Engine needs the backend. sink
	// defers that reference until eng exists.
	sink := &lateBoundSink{}

	var be engine.Backend
	var defaultDB string
	switch cfg.Backend {
	case "notify":
		be = notify.New(cfg.Postgres.DSN, sink)
		defaultDB = "public"
	case "binlog":
		if binlogReader == nil {
			return nil, fmt.Errorf("app: binlog backend requires a RawBinlogEventReader")
		}
		be = binlog.New(cfg.MySQL.DSN, cfg.MySQL.ServerID, binlogReader, sink)
		defaultDB = cfg.MySQL.Database
	default:
		return nil, fmt.Errorf("app: unknown backend %q", cfg.Backend)
	}

	eng := engine.New(executor, be, engine.WithDefaultDatabase(defaultDB))
	sink.bind(eng)

	srv := transport.NewServer(eng, logger)

	return &Server{
		cfg:    cfg,
		logger: logger,
		engine: eng,
		httpServer: &http.Server{
			Addr:    cfg.HTTP.Addr,
			Handler: srv.Router(),
		},
	}, nil
}

// Run starts the Engine and HTTP server and blocks until SIGINT/SIGTERM,
// then shuts both down gracefully.
func (s *Server) Run() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := s.engine.Start(ctx); err != nil {
		return fmt.Errorf("app: start engine: %w", err)
	}

	go func() {
		s.logger.Info("listening", zap.String("addr", s.httpServer.Addr))
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Fatal("http server error", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	s.logger.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return s.engine.End()
}
