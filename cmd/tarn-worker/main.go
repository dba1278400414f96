// Command tarn-worker runs inside an environment and executes module
// functions on behalf of a tarn controller. It prints "Listening port <N>"
// once it accepts connections.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/seantiz/tarn/internal/config"
	"github.com/seantiz/tarn/internal/module"
	_ "github.com/seantiz/tarn/internal/modules"
	"github.com/seantiz/tarn/internal/transport"
	"github.com/seantiz/tarn/internal/worker"
)

// workerConfig holds the parsed command line.
type workerConfig struct {
	Environment string
	Network     string
	Port        uint32
	LogLevel    string
	LogFile     string
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cfg := config.Load()

	cmd := &cobra.Command{
		Use:   "tarn-worker <environment>",
		Short: "Execute module functions for a tarn controller",
		Long: `tarn-worker is started by a tarn controller inside an activated environment.
It listens on a local port, prints "Listening port <N>", and runs the
functions the controller asks for until it is told to exit. Connections must
present the launch token the controller passes in TARN_WORKER_TOKEN.`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          runWorker,
	}

	cmd.Flags().String("network", cfg.Network, "Transport to listen on (tcp, vsock)")
	cmd.Flags().Uint32("port", 0, "Port to listen on (0 picks a free port)")
	cmd.Flags().String("log-level", cfg.LogLevel.String(), "Log level (debug, info, warn, error)")
	cmd.Flags().String("log-file", "", "Also append logs to this file")

	return cmd
}

func parseWorkerConfig(cmd *cobra.Command, args []string) (*workerConfig, error) {
	network, err := cmd.Flags().GetString("network")
	if err != nil {
		return nil, fmt.Errorf("failed to get network flag: %w", err)
	}
	port, err := cmd.Flags().GetUint32("port")
	if err != nil {
		return nil, fmt.Errorf("failed to get port flag: %w", err)
	}
	logLevel, err := cmd.Flags().GetString("log-level")
	if err != nil {
		return nil, fmt.Errorf("failed to get log-level flag: %w", err)
	}
	logFile, err := cmd.Flags().GetString("log-file")
	if err != nil {
		return nil, fmt.Errorf("failed to get log-file flag: %w", err)
	}

	switch network {
	case transport.NetworkTCP, transport.NetworkVsock:
	default:
		return nil, fmt.Errorf("unsupported network %q", network)
	}

	return &workerConfig{
		Environment: args[0],
		Network:     network,
		Port:        port,
		LogLevel:    logLevel,
		LogFile:     logFile,
	}, nil
}

// newLogger logs JSON to stderr, and to LogFile as well when set. Stdout is
// left to the ready line and module output.
func newLogger(wc *workerConfig, stderr io.Writer) (*slog.Logger, func() error, error) {
	out := stderr
	closeFn := func() error { return nil }
	if wc.LogFile != "" {
		f, err := os.OpenFile(wc.LogFile, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, nil, fmt.Errorf("open log file: %w", err)
		}
		out = io.MultiWriter(stderr, f)
		closeFn = f.Close
	}
	logger := config.NewLogger(out, config.ParseLogLevel(wc.LogLevel)).
		With("environment", wc.Environment)
	return logger, closeFn, nil
}

// launchToken reads the token controllers must present. It is removed from
// the environment so module code and child processes do not inherit it.
func launchToken() (string, error) {
	token := os.Getenv(worker.TokenEnv)
	if token == "" {
		return "", fmt.Errorf("%s is not set", worker.TokenEnv)
	}
	os.Unsetenv(worker.TokenEnv)
	return token, nil
}

func runWorker(cmd *cobra.Command, args []string) error {
	wc, err := parseWorkerConfig(cmd, args)
	if err != nil {
		return err
	}

	token, err := launchToken()
	if err != nil {
		return err
	}

	logger, closeLog, err := newLogger(wc, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	defer closeLog()

	if wc.Network == transport.NetworkVsock {
		setupGuest(logger)
	}

	l, port, err := transport.Listen(wc.Network, wc.Port)
	if err != nil {
		logger.Error("listen failed", "network", wc.Network, "error", err)
		return err
	}

	w := worker.New(l, module.NewLoader(module.Default), token, logger)
	if err := worker.Announce(cmd.OutOrStdout(), port); err != nil {
		l.Close()
		return fmt.Errorf("announce port: %w", err)
	}
	logger.Info("worker listening", "network", wc.Network, "port", port)

	err = w.Serve(cmd.Context())
	w.Wait()
	if errors.Is(err, context.Canceled) {
		logger.Info("worker interrupted")
		return nil
	}
	if err != nil {
		logger.Error("worker stopped", "error", err)
		return err
	}

	logger.Info("worker exited")
	return nil
}
