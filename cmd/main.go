// cmd/main.go
//
// Entry point for callrater. Responsibilities:
//   - Build the cobra command tree (serve plus one-shot batch commands).
//   - Initialise a temporary logger so config loading has a logger.
//   - Load and validate configuration from YAML.
//   - For serve: construct the App, start it and block until SIGINT/SIGTERM,
//     then trigger a bounded graceful shutdown.
package main

import (
	stdctx "context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/pbxbilling/callrater/internal/logger"
	"github.com/pbxbilling/callrater/pkg/app"
	"github.com/pbxbilling/callrater/pkg/factory"
)

// Version is set at build time with -ldflags.
var Version = "dev"

const shutdownTimeout = 10 * time.Second

type rootOptions struct {
	configPath string
	envPath    string
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	options := &rootOptions{}

	rootCmd := &cobra.Command{
		Use:           "callrater",
		Short:         "callrater - multi-tenant PBX call rating and live call tracking",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			// InitLog again from the config later is safe.
			_ = logger.InitLog("info", false)
		},
	}
	rootCmd.PersistentFlags().StringVarP(&options.configPath, "config", "c", factory.DefaultConfigPath,
		"path to callrater config file (YAML)")
	rootCmd.PersistentFlags().StringVar(&options.envPath, "env", factory.DefaultEnvPath,
		"optional dotenv file loaded before ${VAR} expansion")

	rootCmd.AddCommand(
		newServeCommand(options),
		newInvoicesCommand(options),
		newCdrCommand(options),
		newTenantsCommand(options),
	)
	return rootCmd
}

// loadConfig reads the configuration and applies its logging section.
func (options *rootOptions) loadConfig() (*factory.Config, error) {
	loader := &factory.DefaultLoader{EnvPath: options.envPath}
	config, err := loader.Load(options.configPath)
	if err != nil {
		return nil, err
	}
	if initError := logger.InitLog(config.Logging.Level, config.Logging.ReportCaller); initError != nil {
		logger.MainLog.Warnf("InitLog failed with level=%s: %v", config.Logging.Level, initError)
	}
	return config, nil
}

// withComponents runs fn against freshly built components and closes them.
func (options *rootOptions) withComponents(fn func(ctx stdctx.Context, components *app.Components) error) error {
	config, err := options.loadConfig()
	if err != nil {
		return err
	}
	components, err := app.BuildComponents(config, nil)
	if err != nil {
		return err
	}
	defer func() {
		if closeError := components.Close(); closeError != nil {
			logger.MainLog.Warnf("close components: %v", closeError)
		}
	}()

	ctx, stop := signal.NotifyContext(stdctx.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return fn(ctx, components)
}

func newServeCommand(options *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Track live calls, run periodic jobs and serve the ops API",
		RunE: func(cmd *cobra.Command, args []string) error {
			// ---- 1. Load configuration ------------------------------------------

			logger.MainLog.Infof("callrater starting, configPath=%s", options.configPath)
			config, err := options.loadConfig()
			if err != nil {
				return err
			}

			// ---- 2. Build and start the App --------------------------------------

			callrater, err := app.NewApp(config)
			if err != nil {
				return err
			}

			rootContext, rootCancel := stdctx.WithCancel(stdctx.Background())
			defer rootCancel()
			if startError := callrater.Start(rootContext); startError != nil {
				return startError
			}

			// ---- 3. Wait for OS signals (Ctrl-C / kill) ---------------------------

			signalChannel := make(chan os.Signal, 1)
			signal.Notify(signalChannel, syscall.SIGINT, syscall.SIGTERM)
			receivedSignal := <-signalChannel
			logger.MainLog.Infof("received signal=%s, initiating shutdown", receivedSignal.String())
			rootCancel()

			// ---- 4. Graceful shutdown ---------------------------------------------

			shutdownContext, shutdownCancel := stdctx.WithTimeout(stdctx.Background(), shutdownTimeout)
			defer shutdownCancel()

			if stopError := callrater.Stop(shutdownContext); stopError != nil {
				logger.MainLog.Warnf("shutdown encountered error: %v", stopError)
				return stopError
			}
			logger.MainLog.Infof("shutdown completed within %s", shutdownTimeout)
			return nil
		},
	}
}
