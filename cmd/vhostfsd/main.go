// vhostfsd serves a stock protocol handler as a vhost-user device on a
// unix socket. A VMM (for example QEMU with a vhost-user-fs device)
// connects, shares guest memory and drives requests through the queues.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"gopkg.in/yaml.v3"

	"github.com/virtbridge/vhostfs"
	"github.com/virtbridge/vhostfs/handler"
	"github.com/virtbridge/vhostfs/internal/logging"
)

// fileConfig is the YAML configuration file schema. Flags override any
// value set here.
type fileConfig struct {
	Socket     string `yaml:"socket"`
	Handler    string `yaml:"handler"`
	BufferSize uint32 `yaml:"buffer_size"`
	Strict     bool   `yaml:"strict"`
	LogLevel   string `yaml:"log_level"`
	LogFormat  string `yaml:"log_format"`
}

func main() {
	var (
		configPath = flag.String("config", "", "Path to YAML configuration file")
		socket     = flag.String("socket", "", "Unix socket path to serve on")
		handlerArg = flag.String("handler", "", "Stock handler: echo or discard (default echo)")
		bufferSize = flag.Uint("buffer-size", 0, "Bounce buffer capacity in bytes (default 1MB)")
		strict     = flag.Bool("strict", false, "Treat guest validation failures as fatal")
		verbose    = flag.Bool("v", false, "Verbose output")
	)
	flag.Parse()

	cfg := fileConfig{Handler: "echo", LogFormat: "text"}
	if *configPath != "" {
		if err := loadConfig(*configPath, &cfg); err != nil {
			fmt.Fprintf(os.Stderr, "vhostfsd: %v\n", err)
			os.Exit(1)
		}
	}
	if *socket != "" {
		cfg.Socket = *socket
	}
	if *handlerArg != "" {
		cfg.Handler = *handlerArg
	}
	if *bufferSize != 0 {
		cfg.BufferSize = uint32(*bufferSize)
	}
	if *strict {
		cfg.Strict = true
	}
	if cfg.Socket == "" {
		fmt.Fprintln(os.Stderr, "vhostfsd: no socket path (use -socket or the config file)")
		os.Exit(2)
	}

	// Set up logging
	logConfig := logging.DefaultConfig()
	logConfig.Format = cfg.LogFormat
	switch cfg.LogLevel {
	case "debug":
		logConfig.Level = logging.LevelDebug
	case "warn":
		logConfig.Level = logging.LevelWarn
	case "error":
		logConfig.Level = logging.LevelError
	}
	if *verbose {
		logConfig.Level = logging.LevelDebug
	}
	logger := logging.NewLogger(logConfig)
	logging.SetDefault(logger)

	h, err := buildHandler(cfg.Handler)
	if err != nil {
		logger.Error("invalid handler", "error", err)
		os.Exit(1)
	}

	session, err := vhostfs.New(vhostfs.Config{
		SocketPath:       cfg.Socket,
		Handler:          h,
		BufferSize:       cfg.BufferSize,
		StrictValidation: cfg.Strict,
	})
	if err != nil {
		logger.Error("failed to create session", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("signal received, shutting down", "signal", sig.String())
		cancel()
	}()

	logger.Info("serving", "socket", cfg.Socket, "handler", cfg.Handler, "strict", cfg.Strict)

	err = session.Serve(ctx)
	session.Metrics().Stop()

	snap := session.Metrics().Snapshot()
	logger.Info("session finished",
		"requests", snap.Requests,
		"bytes_in", snap.BytesIn,
		"bytes_out", snap.BytesOut,
		"validation_errors", snap.ValidationErrors,
		"avg_latency_ns", snap.AvgLatencyNs)

	if err != nil {
		logger.Error("session failed", "error", err)
		os.Exit(1)
	}
}

func loadConfig(path string, cfg *fileConfig) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

func buildHandler(name string) (vhostfs.Handler, error) {
	switch name {
	case "echo":
		return handler.NewEcho(), nil
	case "discard":
		return handler.NewDiscard(), nil
	default:
		return nil, fmt.Errorf("unknown handler %q (have: echo, discard)", name)
	}
}
