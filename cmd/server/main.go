package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/RichardoC/ollamachat/internal/api"
	"github.com/RichardoC/ollamachat/internal/config"
	"github.com/RichardoC/ollamachat/internal/db"
	"github.com/RichardoC/ollamachat/internal/events"
	"github.com/RichardoC/ollamachat/internal/llm"
	"github.com/RichardoC/ollamachat/internal/metrics"
	"github.com/RichardoC/ollamachat/internal/ollama"
	"github.com/RichardoC/ollamachat/internal/session"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 10 * time.Second

var (
	configPath string
	debug      bool
	logger     *zap.Logger
	cfg        *config.Config
)

func main() {
	root := &cobra.Command{
		Use:           "ollamachat",
		Short:         "Chat with models served by a local Ollama",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			var err error
			if debug {
				logger, err = zap.NewDevelopment()
			} else {
				logger, err = zap.NewProduction()
			}
			if err != nil {
				return fmt.Errorf("failed to initialize logger: %w", err)
			}

			cfg = config.New(logger)
			for _, key := range []string{config.KeyModel, config.KeyServerURL, config.KeyDBPath, config.KeyAddr} {
				if err := cfg.Viper().BindPFlag(key, cmd.Root().PersistentFlags().Lookup(key)); err != nil {
					return fmt.Errorf("failed to bind flag %s: %w", key, err)
				}
			}
			return cfg.Load(configPath)
		},
		PersistentPostRun: func(*cobra.Command, []string) {
			_ = logger.Sync()
		},
		RunE: runServe,
	}

	flags := root.PersistentFlags()
	flags.StringVar(&configPath, "config", "", "path to a settings file (json, yaml or toml)")
	flags.BoolVar(&debug, "debug", false, "enable development logging")
	flags.String(config.KeyModel, "llama3.2", "model to chat with")
	flags.String(config.KeyServerURL, "http://localhost:11434", "Ollama server URL")
	flags.String(config.KeyDBPath, "chat_history.db", "SQLite database path")
	flags.String(config.KeyAddr, ":8100", "HTTP listen address")

	root.AddCommand(
		&cobra.Command{
			Use:   "serve",
			Short: "Run the chat server",
			RunE:  runServe,
		},
		&cobra.Command{
			Use:   "models",
			Short: "List the models available on the Ollama server",
			RunE:  runModels,
		},
		&cobra.Command{
			Use:   "check",
			Short: "Check that the Ollama server is reachable",
			RunE:  runCheck,
		},
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	settings := cfg.Settings()
	m := metrics.New()

	database, err := db.New(settings.DBPath)
	if err != nil {
		logger.Error("failed to initialize database",
			zap.Error(err),
			zap.String("dbPath", settings.DBPath))
		return err
	}
	defer func() {
		if err := database.Close(); err != nil {
			logger.Error("failed to close database", zap.Error(err))
		}
	}()

	client := ollama.NewClient(ollama.DefaultConfig(), logger, m)
	bus := events.NewBus(settings.BusBuffer)
	core := llm.New(client, bus, logger)
	titles := llm.NewTitleService(database, llm.LangchainCompleter{}, settings.TitleTimeout, logger, m)
	hub := api.NewHub(logger)
	sessions := session.New(database, core, titles, hub, logger, m)

	cfg.Watch(func(s config.Settings) {
		logger.Info("New submissions will use updated settings",
			zap.String("model", s.Model),
			zap.String("url", s.ServerURL))
	})

	mux := http.NewServeMux()
	api.NewHandler(database, sessions, client, hub, cfg.Settings, logger).Register(mux)
	mux.Handle("/metrics", m.Handler())

	server := &http.Server{
		Addr:              settings.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		err := sessions.Run(gctx, bus.Events())
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})
	g.Go(func() error {
		logger.Info("Starting server", zap.String("addr", settings.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("failed to start server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("failed to shut down server", zap.Error(err))
		}
		if err := sessions.Shutdown(shutdownCtx); err != nil {
			logger.Error("failed to shut down sessions", zap.Error(err))
		}
		return nil
	})

	return g.Wait()
}

func runModels(cmd *cobra.Command, _ []string) error {
	settings := cfg.Settings()
	client := ollama.NewClient(ollama.DefaultConfig(), logger, nil)

	result := client.FetchModels(cmd.Context(), settings.ServerURL)
	if !result.Success {
		return errors.New(result.Error)
	}
	for _, name := range result.Models {
		fmt.Fprintln(cmd.OutOrStdout(), name)
	}
	return nil
}

func runCheck(cmd *cobra.Command, _ []string) error {
	settings := cfg.Settings()
	client := ollama.NewClient(ollama.DefaultConfig(), logger, nil)

	result := client.CheckReachable(cmd.Context(), settings.ServerURL)
	if !result.Success {
		return errors.New(result.Message)
	}
	fmt.Fprintln(cmd.OutOrStdout(), result.Message)
	return nil
}
