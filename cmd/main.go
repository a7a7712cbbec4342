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

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/enterprise/attestation-trust-engine/internal/app"
	"github.com/enterprise/attestation-trust-engine/internal/baseline"
	"github.com/enterprise/attestation-trust-engine/internal/config"
	"github.com/enterprise/attestation-trust-engine/internal/hostagent"
	"github.com/enterprise/attestation-trust-engine/pkg/logger"
)

var (
	configPath string
	version    = "dev"
	buildTime  = "unknown"
	gitCommit  = "unknown"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "trust-engine",
		Short: "Remote attestation trust engine",
		Long: `Evaluates measured-boot evidence from trust agents against reference
baselines and serves cached trust decisions over HTTP.`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("Version: %s\n", version)
			fmt.Printf("Build Time: %s\n", buildTime)
			fmt.Printf("Git Commit: %s\n", gitCommit)
		},
	}

	validateCmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			return validateConfig()
		},
	}

	rootCmd.PersistentFlags().StringVar(&configPath, "config", "configs/config.yaml", "Path to configuration file")
	rootCmd.AddCommand(versionCmd, validateCmd, newImportCmd(), newSimulateCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, *logrus.Logger, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, err
	}
	return cfg, logger.New(cfg.Logging), nil
}

func runServer() error {
	cfg, log, err := loadConfig()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	app.Version = version

	log.WithFields(logrus.Fields{
		"version":    version,
		"build_time": buildTime,
		"git_commit": gitCommit,
	}).Info("Starting attestation trust engine")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	application, err := app.New(ctx, cfg, log)
	if err != nil {
		return fmt.Errorf("failed to initialize application: %w", err)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	if err := application.Start(ctx); err != nil {
		return fmt.Errorf("failed to start application: %w", err)
	}

	<-sigChan
	log.Info("Shutdown signal received, initiating graceful shutdown...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := application.Stop(shutdownCtx); err != nil {
		log.WithError(err).Error("Error during shutdown")
	}

	log.Info("Trust engine stopped")
	return nil
}

func validateConfig() error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("configuration validation failed: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("configuration validation failed: %w", err)
	}

	logrus.Info("Configuration is valid")
	return nil
}

func newImportCmd() *cobra.Command {
	var (
		layer   string
		release string
		target  string
	)

	cmd := &cobra.Command{
		Use:   "import FILE...",
		Short: "Load YAML catalog documents or CoRIM reference values into the configured catalog",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := loadConfig()
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}

			ctx := cmd.Context()
			store, closer, err := app.OpenCatalog(ctx, cfg, log)
			if err != nil {
				return err
			}
			defer closer.Close()

			opts := baseline.CoRIMOptions{
				Layer:   baseline.Layer(layer),
				Version: release,
				Target:  baseline.Target(target),
			}
			for _, path := range args {
				n, err := app.ImportBaselines(ctx, store, path, opts, log)
				if err != nil {
					return err
				}
				log.WithFields(logrus.Fields{"file": path, "records": n}).Info("Imported")
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&layer, "layer", string(baseline.LayerBIOS), "Layer for CoRIM reference values (BIOS or VMM)")
	cmd.Flags().StringVar(&release, "version", "", "Baseline version for CoRIM reference values")
	cmd.Flags().StringVar(&target, "target", "", "Baseline target for CoRIM reference values")
	return cmd
}

func newSimulateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "simulate",
		Short: "Serve a simulated trust agent from a YAML snapshot",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := loadConfig()
			if err != nil {
				return err
			}
			sc := cfg.Simulator
			if sc.File == "" || sc.CertFile == "" || sc.KeyFile == "" {
				return errors.New("simulator requires file, cert_file and key_file")
			}

			doc, err := hostagent.LoadSimulatorFile(sc.File)
			if err != nil {
				return err
			}

			srv := &http.Server{
				Addr:              sc.Address,
				Handler:           hostagent.NewSimulator(doc, log).Handler(),
				ReadHeaderTimeout: 10 * time.Second,
			}

			errCh := make(chan error, 1)
			go func() {
				log.WithField("address", sc.Address).Info("Simulated trust agent listening")
				errCh <- srv.ListenAndServeTLS(sc.CertFile, sc.KeyFile)
			}()

			sigChan := make(chan os.Signal, 1)
			signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

			select {
			case err := <-errCh:
				if !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			case <-sigChan:
			}

			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			return srv.Shutdown(ctx)
		},
	}
}
