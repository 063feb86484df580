package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/spf13/cobra"

	artifactuploader "github.com/modelbench/autobench/artifact_uploader"
	"github.com/modelbench/autobench/config"
	"github.com/modelbench/autobench/executor"
	loadrunner "github.com/modelbench/autobench/load_runner"
	"github.com/modelbench/autobench/orchestrator"
	resultstore "github.com/modelbench/autobench/result_store"
	serverlifecycle "github.com/modelbench/autobench/server_lifecycle"
	systemmonitor "github.com/modelbench/autobench/system_monitor"

	// Load generators register themselves at module load time.
	_ "github.com/modelbench/autobench/load_runner/extgen"
	_ "github.com/modelbench/autobench/load_runner/httpgen"
)

var (
	inputPath         string
	skipExisting      string
	outputRoot        string
	serverBin         string
	serverPort        int
	loadgenBin        string
	uploadBucket      string
	uploadPrefix      string
	logLevel          string
	startupTimeoutSec int
	loadTimeoutSec    int
	gracePeriodSec    int
	noProgress        bool
	noMonitor         bool
)

var rootCmd = &cobra.Command{
	Use:   "auto_benchmark --input <config-file> --skip <true|false>",
	Short: "Runs model-serving benchmark scenarios from a configuration file",
	Long: `auto_benchmark reads a YAML file mapping scenario names to server and load
parameters. For each scenario it starts the model-serving process, waits for
it to become healthy, drives the configured load against it, stops the
server, and persists the metrics. Scenario failures are recorded in the final
report without aborting the run.`,
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		return run(cmd.Context())
	},
}

func init() {
	rootCmd.Flags().StringVar(&inputPath, "input", "", "The benchmark configuration file enumerating all scenarios. Required.")
	// The nightly job invokes this as "--skip true|false" with a separate
	// value argument, so this must be a string flag rather than a bool.
	rootCmd.Flags().StringVar(&skipExisting, "skip", "false", "Skip scenarios whose results already exist under the output root. One of: true, false.")
	rootCmd.Flags().StringVar(&outputRoot, "output-root", "/tmp/autobench", "Directory that receives per-scenario artifacts and the aggregated report.")
	rootCmd.Flags().StringVar(&serverBin, "server-bin", "model-server", "The model-serving binary to benchmark.")
	rootCmd.Flags().IntVar(&serverPort, "server-port", 8080, "Port the serving binary listens on.")
	rootCmd.Flags().StringVar(&loadgenBin, "loadgen-bin", "", "Overrides the external load-generation binary for all scenarios.")
	rootCmd.Flags().StringVar(&uploadBucket, "upload-bucket", "", "When set, upload the output root to this S3 bucket after the run.")
	rootCmd.Flags().StringVar(&uploadPrefix, "upload-prefix", "", "Key prefix for uploaded artifacts.")
	rootCmd.Flags().StringVar(&logLevel, "log-level", "info", "One of: debug, info, warn, error.")
	rootCmd.Flags().IntVar(&startupTimeoutSec, "startup-timeout", 120, "Default per-scenario server startup timeout in seconds.")
	rootCmd.Flags().IntVar(&loadTimeoutSec, "load-timeout", 600, "Default per-scenario load timeout in seconds.")
	rootCmd.Flags().IntVar(&gracePeriodSec, "grace-period", 10, "How long to wait for graceful server shutdown before killing it.")
	rootCmd.Flags().BoolVar(&noProgress, "no-progress", false, "Disable the progress bar.")
	rootCmd.Flags().BoolVar(&noMonitor, "no-monitor", false, "Disable host monitoring during load runs.")
	rootCmd.MarkFlagRequired("input")
}

func setUpLogging() error {
	var level slog.Level
	err := level.UnmarshalText([]byte(logLevel))
	if err != nil {
		return fmt.Errorf("invalid log level %q: %w", logLevel, err)
	}
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)
	return nil
}

func run(ctx context.Context) error {
	err := setUpLogging()
	if err != nil {
		return err
	}

	skip, err := strconv.ParseBool(skipExisting)
	if err != nil {
		return fmt.Errorf("invalid --skip value %q: %w", skipExisting, err)
	}

	cfg, err := config.Load(inputPath, config.Options{
		OutputRoot:               outputRoot,
		SkipExisting:             skip,
		DefaultStartupTimeoutSec: startupTimeoutSec,
		DefaultLoadTimeoutSec:    loadTimeoutSec,
	})
	if err != nil {
		return err
	}
	slog.Info("loaded config", slog.String("path", inputPath), slog.Int("scenarios", len(cfg.Scenarios)))

	store, err := resultstore.NewResultStore(cfg.OutputRoot)
	if err != nil {
		return err
	}

	lifecycle := serverlifecycle.NewLifecycle(&serverlifecycle.LifecycleInput{
		ServerBin:   serverBin,
		Port:        serverPort,
		GracePeriod: time.Duration(gracePeriodSec) * time.Second,
	})

	overrides := map[string]any{}
	if loadgenBin != "" {
		overrides["bin"] = loadgenBin
	}

	execInput := &executor.ExecutorInput{
		Lifecycle:    lifecycle,
		Skips:        store,
		SkipExisting: cfg.SkipExisting,
		NewGenerator: func(desc *config.ScenarioDescriptor) (loadrunner.Generator, error) {
			return loadrunner.NewGenerator(desc, overrides)
		},
	}
	if !noMonitor {
		execInput.NewMonitor = func() systemmonitor.SystemMonitor {
			return systemmonitor.NewSystemMonitor("")
		}
	}

	orch := orchestrator.NewBenchmarkOrchestrator(&orchestrator.OrchestratorInput{
		Executor:     executor.NewScenarioExecutor(execInput),
		Store:        store,
		ShowProgress: !noProgress,
	})

	rep, err := orch.Run(ctx, cfg)
	if err != nil {
		return err
	}

	if uploadBucket != "" {
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
		if err != nil {
			return fmt.Errorf("failed to load AWS config for artifact upload: %w", err)
		}
		up := artifactuploader.NewS3Uploader(&artifactuploader.S3UploaderInput{
			AwsConfig: awsCfg,
			Bucket:    uploadBucket,
			KeyPrefix: uploadPrefix,
		})
		err = up.UploadTree(ctx, cfg.OutputRoot)
		if err != nil {
			return err
		}
	}

	_, failed, _ := rep.Counts()
	if failed > 0 {
		// Individual scenario failures are recorded in the report; the run
		// itself still completed.
		slog.Warn("run completed with scenario failures", slog.Int("failed", failed))
	}
	return nil
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	err := rootCmd.ExecuteContext(ctx)
	if err != nil {
		os.Exit(1)
	}
}
