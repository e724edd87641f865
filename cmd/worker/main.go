package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/addison-moore/fleetrunner/internal/config"
	"github.com/addison-moore/fleetrunner/internal/logging"
	"github.com/addison-moore/fleetrunner/internal/taskresult"
	"github.com/addison-moore/fleetrunner/internal/worker"
	"github.com/spf13/cobra"
)

var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

var (
	pipeIn   string
	pipeOut  string
	logLevel string
)

var rootCmd = &cobra.Command{
	Use:   "fleetrunner-worker",
	Short: "fleetrunner-worker executes a single job received over a local IPC channel",
	Long: `fleetrunner-worker is the short-lived process spawned once per job by the
Listener's Job Dispatcher. It receives a JobMessage over a local socket,
runs the job's steps, reports completion to the Run Service, and exits
with a return code that encodes the job's final TaskResult.`,
	RunE: runWorker,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("fleetrunner-worker %s\n", Version)
		fmt.Printf("Built: %s\n", BuildTime)
		fmt.Printf("Commit: %s\n", GitCommit)
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)

	rootCmd.Flags().StringVar(&pipeIn, "pipeIn", "", "IPC endpoint to receive messages from the Dispatcher")
	rootCmd.Flags().StringVar(&pipeOut, "pipeOut", "", "IPC endpoint to send messages to the Dispatcher")
	rootCmd.Flags().StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	_ = rootCmd.MarkFlagRequired("pipeIn")
}

func runWorker(cmd *cobra.Command, args []string) error {
	log := logging.New(logLevel)

	cfg, err := config.Load("")
	if err != nil {
		log.WithError(err).Warn("failed to load config, proceeding with defaults")
		cfg = &config.Config{}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	go func() {
		<-sigCh
		cancel()
	}()

	workerCfg := worker.Config{
		PipeIn:       pipeIn,
		PipeOut:      pipeOut,
		DebugLogging: logging.DebugEnabled(),
		Resources:    cfg.Container.Resources,
		TempDir:      cfg.Runner.TempDir,
	}

	result := worker.Run(ctx, workerCfg, log)
	os.Exit(taskresult.ToReturnCode(result))
	return nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(taskresult.ToReturnCode(taskresult.Failed))
	}
}
