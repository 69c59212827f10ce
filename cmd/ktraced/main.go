// Command ktraced is the trace-collection daemon: it accepts producer
// connections on the trace socket, accepts client connections on the
// query socket, and arbitrates between them through the central state
// manager. Flag parsing uses the standard library flag package, and
// shutdown is signal-driven (SIGINT/SIGTERM cancel a root context that
// stops both accept loops and the state manager; the process exits once
// the trace accept loop returns).
package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/oro-os/ktrace/internal/queryserver"
	"github.com/oro-os/ktrace/internal/statemanager"
	"github.com/oro-os/ktrace/internal/tracelog"
	"github.com/oro-os/ktrace/pkg/infrastructure/config"
	"github.com/oro-os/ktrace/pkg/infrastructure/logging"
)

func main() {
	var (
		configPath = flag.String("config", "", "configuration file path")
		traceSock  = flag.String("sock", "", "trace-ingest socket path (overrides config)")
		querySock  = flag.String("query-sock", "", "query socket path (overrides config)")
		tmpDir     = flag.String("tmpdir", "", "root directory for trace log temp files (overrides config)")
		logLevel   = flag.String("log-level", "", "log level: debug, info, warn, error (overrides config)")
		logFormat  = flag.String("log-format", "", "log format: text, json (overrides config)")
	)
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "ktraced: failed to load config: %v\n", err)
		os.Exit(1)
	}
	if *traceSock != "" {
		cfg.Sockets.TracePath = *traceSock
	}
	if *querySock != "" {
		cfg.Sockets.QueryPath = *querySock
	}
	if *tmpDir != "" {
		cfg.TmpDir = *tmpDir
	}
	if *logLevel != "" {
		cfg.Logging.Level = *logLevel
	}
	if *logFormat != "" {
		cfg.Logging.Format = *logFormat
	}

	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "ktraced: invalid configuration: %v\n", err)
		os.Exit(1)
	}

	level, _ := logging.ParseLogLevel(cfg.Logging.Level)
	format, _ := logging.ParseLogFormat(cfg.Logging.Format)
	logCfg := logging.DefaultConfig()
	logCfg.Level = level
	logCfg.Format = format
	if cfg.Logging.File != "" {
		out, err := logging.CreateFileOutput(cfg.Logging.File)
		if err != nil {
			fmt.Fprintf(os.Stderr, "ktraced: failed to open log file: %v\n", err)
			os.Exit(1)
		}
		logCfg.Output = out
	}
	logging.InitGlobalLogger(logCfg)
	logger := logging.GetGlobalLogger().WithComponent("ktraced")

	ctx, cancel := context.WithCancel(context.Background())

	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigc
		logger.Info("shutdown signal received")
		cancel()
	}()

	mgr := statemanager.New(logger.WithComponent("statemanager"))
	go mgr.Run(ctx)

	qs := queryserver.New(cfg.Sockets.QueryPath, mgr, logger.WithComponent("queryserver"))
	go func() {
		if err := qs.Serve(ctx); err != nil {
			logger.Errorf("query server exited: %v", err)
		}
	}()

	if err := serveTraceSocket(ctx, cfg.Sockets.TracePath, mgr, cfg.TmpDir, logger); err != nil {
		logger.Errorf("trace server exited: %v", err)
		os.Exit(1)
	}
}

func serveTraceSocket(ctx context.Context, sockPath string, mgr *statemanager.Manager, tmpDir string, logger *logging.Logger) error {
	os.Remove(sockPath)

	listener, err := net.Listen("unix", sockPath)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", sockPath, err)
	}
	defer listener.Close()

	go func() {
		<-ctx.Done()
		listener.Close()
	}()

	logger.Infof("trace server listening on %s", sockPath)

	for {
		conn, err := listener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				logger.Errorf("trace accept failed: %v", err)
				continue
			}
		}
		go tracelog.Handle(ctx, conn, mgr, tmpDir, logger.WithComponent("tracelog"))
	}
}
