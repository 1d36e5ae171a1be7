// Command livesetd runs the live-query engine as a standalone process:
// it loads config, wires a Postgres LISTEN/NOTIFY backend into the
// engine, and serves subscribers over the transport's WebSocket API.
package main

import (
	"flag"
	"fmt"
	"os"

	"go.uber.org/zap"

	"github.com/liveset/liveset/internal/app"
	"github.com/liveset/liveset/internal/config"
	"github.com/liveset/liveset/internal/logging"
)

func main() {
	configPath := flag.String("config", "livesetd.toml", "path to the livesetd TOML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "livesetd:", err)
		os.Exit(1)
	}

	logger, err := logging.New(cfg.Environment)
	if err != nil {
		fmt.Fprintln(os.Stderr, "livesetd:", err)
		os.Exit(1)
	}
	defer logger.Sync()
	zap.ReplaceGlobals(logger)

	// The binlog backend's actual wire-protocol decoder is an
	// out-of-scope external collaborator (SPEC_FULL.md §6.2); livesetd
	// wires the notify backend end to end and leaves binlogReader nil.
	srv, err := app.NewServer(cfg, logger, nil)
	if err != nil {
		logger.Fatal("build server", zap.Error(err))
	}

	if err := srv.Run(); err != nil {
		logger.Fatal("server exited", zap.Error(err))
	}
}
