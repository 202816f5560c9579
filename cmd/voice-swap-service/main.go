// main package for the voice-swap-service
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/book-expert/logger"
	"github.com/book-expert/voice-swap-service/internal/config"
	"github.com/book-expert/voice-swap-service/internal/core"
	"github.com/book-expert/voice-swap-service/internal/objectstore"
	"github.com/book-expert/voice-swap-service/internal/pipeline"
	"github.com/book-expert/voice-swap-service/internal/resultstore"
	"github.com/book-expert/voice-swap-service/internal/worker"
	"github.com/nats-io/nats.go"
)

func setupLogger(logPath, fileName string) (*logger.Logger, error) {
	log, err := logger.New(logPath, fileName)
	if err != nil {
		return nil, fmt.Errorf("failed to create logger in %s: %w", logPath, err)
	}

	return log, nil
}

func loadConfig(bootstrapLog *logger.Logger) (*config.Config, error) {
	cfg, err := config.Load(bootstrapLog)
	if err != nil {
		return nil, err
	}

	err = cfg.Validate()
	if err != nil {
		return nil, err
	}

	err = cfg.ValidateNATS()
	if err != nil {
		return nil, err
	}

	return cfg, nil
}

func resultsStore(
	cfg *config.Config,
	jetstreamContext nats.JetStreamContext,
	log *logger.Logger,
) (core.ResultsStore, error) {
	if cfg.Pipeline.ResultsStore == config.ResultsStoreNATS {
		return objectstore.New(jetstreamContext, cfg.NATS.ResultsBucket)
	}

	return resultstore.NewLocal(cfg.Paths.ResultsDir, log)
}

func run() error {
	// 1. Create a temporary logger for the bootstrap process
	bootstrapLog, err := setupLogger(os.TempDir(), "voice-swap-service-bootstrap.log")
	if err != nil {
		// If bootstrap logger fails, we can only print to stderr
		fmt.Fprintf(os.Stderr, "FATAL: Failed to create bootstrap logger: %v\n", err)

		return err
	}

	defer func() { _ = bootstrapLog.Close() }()

	bootstrapLog.Info("Bootstrap logger created.")

	// 2. Load and validate configuration using the central configurator
	cfg, err := loadConfig(bootstrapLog)
	if err != nil {
		bootstrapLog.Error("Failed to load configuration: %v", err)

		return fmt.Errorf("failed to load configuration: %w", err)
	}

	bootstrapLog.Info("Configuration loaded successfully.")

	// 3. Initialize the final logger based on the loaded configuration
	finalLog, err := setupLogger(cfg.Paths.BaseLogsDir, "voice-swap-service.log")
	if err != nil {
		bootstrapLog.Error("Failed to create final logger: %v", err)

		return fmt.Errorf("failed to create final logger: %w", err)
	}

	defer func() {
		closeErr := finalLog.Close()
		if closeErr != nil {
			fmt.Fprintf(os.Stderr, "error closing final logger: %v\n", closeErr)
		}
	}()

	// 4. Connect to NATS and bind the object stores
	natsConnection, err := nats.Connect(cfg.NATS.URL)
	if err != nil {
		finalLog.Error("Failed to connect to NATS at %s: %v", cfg.NATS.URL, err)

		return fmt.Errorf("failed to connect to NATS: %w", err)
	}
	defer natsConnection.Close()

	jetstreamContext, err := natsConnection.JetStream()
	if err != nil {
		return fmt.Errorf("failed to create JetStream context: %w", err)
	}

	inputs, err := objectstore.New(jetstreamContext, cfg.NATS.InputBucket)
	if err != nil {
		return fmt.Errorf("failed to open input bucket: %w", err)
	}

	results, err := resultsStore(cfg, jetstreamContext, finalLog)
	if err != nil {
		return fmt.Errorf("failed to open results store: %w", err)
	}

	// 5. Build the pipeline and clear workspaces left by a previous crash
	orchestrator, workspaces, err := pipeline.FromConfig(cfg, results, finalLog)
	if err != nil {
		finalLog.Error("Failed to build pipeline: %v", err)

		return fmt.Errorf("failed to build pipeline: %w", err)
	}

	pruned, pruneErr := workspaces.Prune(cfg.PruneAfter())
	if pruneErr != nil {
		finalLog.Warn("Workspace pruning incomplete: %v", pruneErr)
	}

	if pruned > 0 {
		finalLog.Info("Pruned %d orphaned workspaces", pruned)
	}

	// 6. Run the worker until interrupted
	natsWorker, err := worker.NewNatsWorker(natsConnection, worker.Settings{
		Subject:          cfg.NATS.VoiceSwapRequestedSubject,
		QueueGroup:       cfg.NATS.QueueGroup,
		CompletedSubject: cfg.NATS.VoiceSwapCompletedSubject,
		Workers:          cfg.Pipeline.Workers,
		JobTimeout:       cfg.JobTimeout(),
	}, inputs, orchestrator, finalLog)
	if err != nil {
		return fmt.Errorf("failed to create worker: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	finalLog.System("Voice-Swap-Service successfully initialized. Listening for jobs on subject: %s",
		cfg.NATS.VoiceSwapRequestedSubject)

	runErr := natsWorker.Run(ctx)
	if runErr != nil {
		finalLog.Error("Worker stopped with error: %v", runErr)

		return runErr
	}

	finalLog.System("Voice-Swap-Service stopped.")

	return nil
}

func main() {
	err := run()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Service exited with error: %v\n", err)
		os.Exit(1)
	}
}
