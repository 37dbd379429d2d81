package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"

	"github.com/Mellanox/ucc/internal/config"
	"github.com/Mellanox/ucc/internal/fabric"
	_ "github.com/Mellanox/ucc/internal/fabric/sim"
	"github.com/Mellanox/ucc/internal/server"
	"github.com/Mellanox/ucc/internal/status"
	"github.com/Mellanox/ucc/internal/summary"
	"github.com/Mellanox/ucc/internal/telemetry"
)

func main() {
	// Set up command line flags
	flagSet := pflag.NewFlagSet("dpu-server", pflag.ExitOnError)
	config.SetupServerFlags(flagSet)

	// Parse flags
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "Error parsing flags: %v\n", err)
		os.Exit(1)
	}

	// Handle version flag
	version, _ := flagSet.GetBool("version")
	if version {
		fmt.Println("UCC DPU Server v0.1.0")
		os.Exit(0)
	}

	// Handle create-config flag
	createConfig, _ := flagSet.GetBool("create-config")
	if createConfig {
		configOutput, _ := flagSet.GetString("config-output")
		if err := config.WriteDefaultConfig(configOutput); err != nil {
			fmt.Fprintf(os.Stderr, "Error creating default config: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Created default configuration at %s\n", configOutput)
		os.Exit(0)
	}

	// Load configuration
	cfg, err := config.LoadServerConfig(flagSet)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading configuration: %v\n", err)
		os.Exit(1)
	}
	initLogging(cfg.LogLevel)

	if err := run(cfg); err != nil {
		log.Fatal().Err(err).Msg("DPU server failed")
	}
	log.Info().Msg("DPU server shut down")
}

func run(cfg *config.ServerConfig) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	provider, err := fabric.Open(cfg.FabricProvider)
	if err != nil {
		return err
	}

	var opts []server.Option
	if cfg.StatusAddr != "" {
		st := status.New(cfg.StatusAddr)
		if err := st.Start(); err != nil {
			return err
		}
		defer st.Stop()
		opts = append(opts, server.WithHealth(st))
	}
	if cfg.MetricsEnabled {
		m, err := telemetry.NewMetrics(ctx, config.Hostname(), cfg.OtelCollectorAddr)
		if err != nil {
			return fmt.Errorf("failed to initialize metrics: %w", err)
		}
		defer m.Shutdown(context.Background())
		opts = append(opts, server.WithMetrics(m))
	}
	if cfg.SummaryDBURI != "" {
		store, err := summary.OpenStore(cfg.SummaryDBURI)
		if err != nil {
			return err
		}
		defer store.Close()
		opts = append(opts, server.WithSummaryStore(store))
	}

	ln, err := server.Listen(cfg.BootstrapAddr())
	if err != nil {
		return err
	}
	defer ln.Close()

	log.Info().
		Str("addr", cfg.BootstrapAddr()).
		Str("provider", provider.Name()).
		Int("threads", cfg.NumThreads).
		Bool("pin_threads", cfg.PinThreads).
		Msg("DPU server listening")
	srv := server.New(cfg, provider, opts...)
	if cfg.ServeForever {
		return srv.Run(ctx, ln)
	}
	if _, err := srv.Serve(ctx, ln); err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}

// initLogging initializes the logging configuration
func initLogging(level string) {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	lvl, err := zerolog.ParseLevel(level)
	if err != nil || lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)

	// Configure pretty logging for development
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
}
