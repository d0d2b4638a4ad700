package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"bft_trust_engine/pkg/config"
	"bft_trust_engine/pkg/consensus"
	"bft_trust_engine/pkg/recovery"
	"bft_trust_engine/pkg/registry"
	"bft_trust_engine/pkg/scheduler"
	"bft_trust_engine/pkg/security"
	"bft_trust_engine/pkg/trust"
	"bft_trust_engine/pkg/utils"
)

var (
	configFile = flag.String("config", "config.yaml", "Path to configuration file")
	logFile    = flag.String("log-file", "logs/trustd.log", "Log file path")
	debug      = flag.Bool("debug", false, "Enable debug mode")
)

// App wires the engine's components together for the daemon lifecycle
type App struct {
	crypto     *security.CryptoManager
	trust      *trust.Validator
	registry   *registry.Registry
	supervisor *recovery.Supervisor
	scheduler  *scheduler.Scheduler
	logger     *zap.Logger
	cfg        *config.Config
}

func main() {
	flag.Parse()

	logger, err := initLogger(*debug, *logFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	cfg, err := config.Load(*configFile)
	if err != nil {
		logger.Fatal("Failed to load configuration",
			zap.String("path", *configFile),
			zap.Error(err),
		)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	app, err := initializeApp(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("Failed to initialize application", zap.Error(err))
	}

	setupGracefulShutdown(ctx, cancel, app, logger)

	<-ctx.Done()
}

func initializeApp(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*App, error) {
	keyPair, err := loadOrGenerateKeyPair(cfg.Registry.KeyFile, logger)
	if err != nil {
		return nil, fmt.Errorf("initializing key pair: %w", err)
	}

	secret, err := security.GenerateSalt()
	if err != nil {
		return nil, fmt.Errorf("generating token secret: %w", err)
	}
	crypto, err := security.NewCryptoManager(keyPair, secret)
	if err != nil {
		return nil, fmt.Errorf("initializing crypto manager: %w", err)
	}

	trustValidator := trust.NewValidator(security.Ed25519Verifier{}, nil, logger.Named("trust"))

	reg := registry.NewRegistry(crypto,
		cfg.Registry.MinReputation,
		cfg.Registry.TokenExpiry,
		nil,
		logger.Named("registry"))

	supervisor := recovery.NewSupervisor(recovery.Policy{
		MaxRetries:  cfg.Recovery.MaxRetries,
		RetryDelay:  cfg.Recovery.RetryDelay,
		AutoRecover: cfg.Recovery.AutoRecover,
		Action:      recovery.RecoveryAction(cfg.Recovery.Action),
	}, cfg.Recovery.CheckInterval, cfg.Recovery.StaleThreshold, nil, logger.Named("recovery"))

	sched := scheduler.NewScheduler(cfg.Maintenance.MaxConcurrent, cfg.Recovery.RetryDelay, logger.Named("scheduler"))

	app := &App{
		crypto:     crypto,
		trust:      trustValidator,
		registry:   reg,
		supervisor: supervisor,
		scheduler:  sched,
		logger:     logger,
		cfg:        cfg,
	}

	if err := app.start(ctx); err != nil {
		app.stop(context.Background())
		return nil, fmt.Errorf("starting services: %w", err)
	}

	return app, nil
}

func (a *App) start(ctx context.Context) error {
	if err := a.supervisor.Start(ctx); err != nil {
		return fmt.Errorf("starting supervisor: %w", err)
	}

	if err := a.scheduleMaintenance(); err != nil {
		return fmt.Errorf("scheduling maintenance: %w", err)
	}
	if err := a.scheduler.Start(); err != nil {
		return fmt.Errorf("starting scheduler: %w", err)
	}

	a.logger.Info("All services started successfully")
	return nil
}

// scheduleMaintenance registers the recurring jobs: a reputation decay
// pass and a registry liveness sweep feeding the supervisor
func (a *App) scheduleMaintenance() error {
	decay := &scheduler.Task{
		ID:       "reputation-decay",
		Name:     "Reputation inactivity decay",
		Schedule: a.cfg.Maintenance.ReputationDecaySchedule,
		ExecutionFn: func(ctx context.Context) error {
			a.registry.Reputation().ApplyInactivityDecay()
			return nil
		},
	}
	if err := a.scheduler.ScheduleTask(decay); err != nil {
		return fmt.Errorf("scheduling reputation decay: %w", err)
	}

	watchdog := &scheduler.Task{
		ID:       "registry-watchdog",
		Name:     "Registry liveness sweep",
		Schedule: a.cfg.Maintenance.WatchdogSchedule,
		ExecutionFn: func(ctx context.Context) error {
			for _, info := range a.registry.List() {
				if err := a.supervisor.Heartbeat(info.ID); err != nil {
					// Registered validators without an agent record get one
					if regErr := a.supervisor.RegisterAgent(info.ID, info.AgentType); regErr != nil {
						a.logger.Warn("Watchdog could not track validator",
							zap.String("validatorID", info.ID),
							zap.Error(regErr))
					}
				}
			}
			return nil
		},
	}
	if err := a.scheduler.ScheduleTask(watchdog); err != nil {
		return fmt.Errorf("scheduling registry watchdog: %w", err)
	}

	return nil
}

// NewConsensusValidator builds a consensus validator over the currently
// registered validator pool
func (a *App) NewConsensusValidator() (*consensus.Validator, error) {
	return consensus.NewValidator(a.registry.Identities(), a.cfg.Consensus, nil, a.logger.Named("consensus"))
}

func (a *App) stop(ctx context.Context) error {
	var errs []error

	if err := a.scheduler.Stop(); err != nil {
		errs = append(errs, fmt.Errorf("stopping scheduler: %w", err))
	}
	if err := a.supervisor.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("stopping supervisor: %w", err))
	}

	for _, err := range errs {
		a.logger.Error("Shutdown error", zap.Error(err))
	}

	a.logger.Info("All services stopped")
	return nil
}

func setupGracefulShutdown(ctx context.Context, cancel context.CancelFunc, app *App, logger *zap.Logger) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)

	go func() {
		for {
			select {
			case sig := <-sigChan:
				if sig == syscall.SIGHUP {
					if err := utils.RotateLogs(*logFile); err != nil {
						logger.Error("Log rotation failed", zap.Error(err))
					} else {
						logger.Info("Log file rotated")
					}
					continue
				}
				logger.Info("Received shutdown signal", zap.String("signal", sig.String()))
			case <-ctx.Done():
				logger.Info("Context cancelled")
			}

			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer shutdownCancel()

			if err := app.stop(shutdownCtx); err != nil {
				logger.Error("Error during shutdown", zap.Error(err))
				os.Exit(1)
			}

			cancel()
			return
		}
	}()
}

// loadOrGenerateKeyPair loads an encrypted key from disk when configured,
// otherwise generates a fresh in-memory pair
func loadOrGenerateKeyPair(keyFile string, logger *zap.Logger) (*security.KeyPair, error) {
	keyPair, err := security.GenerateKeyPair()
	if err != nil {
		return nil, fmt.Errorf("generating key pair: %w", err)
	}

	if keyFile == "" {
		logger.Warn("No key file configured, using ephemeral key pair")
		return keyPair, nil
	}

	password := os.Getenv("TRUST_KEY_PASSWORD")
	if password == "" {
		return nil, fmt.Errorf("TRUST_KEY_PASSWORD must be set when registry.key_file is configured")
	}

	blob, err := os.ReadFile(keyFile)
	if os.IsNotExist(err) {
		// First run: persist the generated key
		cm, err := security.NewCryptoManager(keyPair, nil)
		if err != nil {
			return nil, err
		}
		exported, err := cm.ExportPrivateKey([]byte(password))
		if err != nil {
			return nil, fmt.Errorf("exporting key pair: %w", err)
		}
		if err := os.WriteFile(keyFile, exported, 0600); err != nil {
			return nil, fmt.Errorf("persisting key pair: %w", err)
		}
		logger.Info("Generated new key pair", zap.String("keyFile", keyFile))
		return keyPair, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading key file: %w", err)
	}

	cm, err := security.NewCryptoManager(nil, nil)
	if err != nil {
		return nil, err
	}
	if err := cm.ImportPrivateKey(blob, []byte(password)); err != nil {
		return nil, fmt.Errorf("importing key pair: %w", err)
	}
	logger.Info("Loaded key pair", zap.String("keyFile", keyFile))

	return cm.KeyPair(), nil
}

func initLogger(debug bool, logFile string) (*zap.Logger, error) {
	if debug {
		return zap.NewDevelopment()
	}

	cfg := utils.DefaultLogConfig()
	cfg.OutputPath = logFile
	return utils.NewLogger(cfg)
}
