// The monitor daemon runs on the testrack controller: it owns the
// hardware, serialises test and reinitialisation tasks and supervises
// sandboxed test runners.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/probe-rs/hive-software/internal/config"
	"github.com/probe-rs/hive-software/internal/drivers"
	"github.com/probe-rs/hive-software/internal/monitor"
)

const shutdownTimeout = 10 * time.Second

func main() {
	var configPath string

	root := &cobra.Command{
		Use:          "monitor",
		Short:        "Hive testrack controller daemon",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(configPath)
		},
	}
	root.Flags().StringVarP(&configPath, "config", "c", "/etc/hive/monitor.yaml", "configuration file")

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	log, err := newLogger(cfg.LogLevel)
	if err != nil {
		return err
	}
	defer log.Sync()

	bus, err := drivers.OpenI2CBus(cfg.I2CDevice)
	if err != nil {
		return err
	}
	defer bus.Close()

	probeLib := &drivers.CLIProbeLib{Path: cfg.ProbeCLIPath, ScratchDir: cfg.DataDir}
	assembler := &drivers.ToolchainAssembler{
		Commands:   drivers.DefaultToolchains(),
		ScratchDir: cfg.DataDir,
	}

	m, err := monitor.New(cfg, monitor.Deps{
		Bus:       bus,
		Lister:    probeLib,
		Opener:    probeLib,
		Assembler: assembler,
	}, log)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := m.Start(ctx); err != nil {
		return err
	}
	log.Info("monitor started", zap.String("config", configPath))

	<-ctx.Done()
	log.Info("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return m.Stop(shutdownCtx)
}

func newLogger(level string) (*zap.Logger, error) {
	var lvl zapcore.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("parse log level %q: %w", level, err)
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	cfg.Encoding = "console"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	return cfg.Build()
}
