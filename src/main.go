package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"dataTransfer/src/config"
	"dataTransfer/src/job"
	_ "dataTransfer/src/source/mongosrc"
	_ "dataTransfer/src/source/sqlsrc"
	_ "dataTransfer/src/source/synthetic"
	_ "dataTransfer/src/source/xlsxsrc"
	"dataTransfer/src/util"

	"github.com/joho/godotenv"
	"github.com/pingcap/errors"
	"github.com/pingcap/log"
	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

type globalFlags struct {
	cfgPath  string
	threads  int
	logLevel string
	logFile  string
}

func main() {
	// .env is optional, the environment wins
	_ = godotenv.Load()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	flags := &globalFlags{}
	rootCmd := &cobra.Command{
		Use:          "dataTransfer",
		Short:        "Partitioned bulk transfer from a source into a file store",
		SilenceUsage: true,
		PersistentPreRunE: func(*cobra.Command, []string) error {
			return util.InitLogger(flags.logLevel, flags.logFile)
		},
		RunE: func(cmd *cobra.Command, _ []string) error {
			return cmd.Help()
		},
	}
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&flags.cfgPath, "cfg", "", "job file path (.toml, .yaml)")
	pf.IntVar(&flags.threads, "threads", 0, "override job.threads")
	pf.StringVar(&flags.logLevel, "log-level", "info", "debug, info, warn or error")
	pf.StringVar(&flags.logFile, "log-file", "", "log to this file instead of stderr")

	rootCmd.AddCommand(
		newRunCmd(flags),
		newScheduleCmd(flags),
		newShowCmd(flags),
		newCatCmd(flags),
		newDeleteCmd(flags),
		newDescribeCmd(),
	)
	return rootCmd
}

func loadConfig(flags *globalFlags) (*config.Config, error) {
	if flags.cfgPath == "" {
		return nil, errors.New("--cfg is required")
	}
	cfg, err := config.Load(flags.cfgPath)
	if err != nil {
		return nil, err
	}
	if flags.threads > 0 {
		cfg.Job.Threads = flags.threads
	}
	return cfg, nil
}

func newRunCmd(flags *globalFlags) *cobra.Command {
	var quiet bool
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the job once",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(flags)
			if err != nil {
				return err
			}
			_, err = runOnce(cmd.Context(), cfg, !quiet)
			return err
		},
	}
	cmd.Flags().BoolVar(&quiet, "quiet", false, "hide the progress bar")
	return cmd
}

func runOnce(ctx context.Context, cfg *config.Config, progress bool) (*job.Report, error) {
	store, err := config.GetStore(ctx, cfg)
	if err != nil {
		return nil, err
	}
	//nolint: errcheck
	defer store.Close()

	var opts []job.Option
	if progress {
		opts = append(opts, job.WithProgress(os.Stderr))
	}
	j, err := job.New(cfg, store, opts...)
	if err != nil {
		return nil, err
	}
	log.Info("starting job", zap.String("job", j.ID()), zap.String("name", cfg.Job.Name),
		zap.String("partitioner", cfg.Job.Partitioner), zap.String("extractor", cfg.Job.Extractor),
		zap.String("loader", cfg.Job.Loader), zap.String("output", cfg.Output.Path))

	report, err := j.Run(ctx)
	if report != nil {
		report.PrintSummary(os.Stdout)
	}
	return report, err
}

func newScheduleCmd(flags *globalFlags) *cobra.Command {
	var expr string
	cmd := &cobra.Command{
		Use:   "schedule",
		Short: "Run the job on a cron schedule until interrupted",
		RunE: func(cmd *cobra.Command, _ []string) error {
			// fail fast on a broken job file
			if _, err := loadConfig(flags); err != nil {
				return err
			}
			ctx := cmd.Context()
			c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DefaultLogger)))
			_, err := c.AddFunc(expr, func() {
				cfg, err := loadConfig(flags)
				if err != nil {
					log.Error("failed to load job file", zap.String("cfg", flags.cfgPath), zap.Error(err))
					return
				}
				if _, err := runOnce(ctx, cfg, false); err != nil {
					log.Error("scheduled run failed", zap.String("schedule", expr), zap.Error(err))
				}
			})
			if err != nil {
				return errors.Annotatef(err, "parse schedule %q", expr)
			}

			log.Info("scheduler started", zap.String("schedule", expr), zap.String("cfg", flags.cfgPath))
			c.Start()
			<-ctx.Done()
			<-c.Stop().Done()
			log.Info("scheduler stopped")
			return nil
		},
	}
	cmd.Flags().StringVar(&expr, "cron", "@every 1h", "cron expression or descriptor")
	return cmd
}

func newShowCmd(flags *globalFlags) *cobra.Command {
	var all bool
	cmd := &cobra.Command{
		Use:   "show",
		Short: "List the files under output.path",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(flags)
			if err != nil {
				return err
			}
			return ShowFiles(cmd.Context(), cfg, all, os.Stdout)
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "include files that are not job output")
	return cmd
}

func newCatCmd(flags *globalFlags) *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "cat",
		Short: "Print the records of an output file as text",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(flags)
			if err != nil {
				return err
			}
			return CatFile(cmd.Context(), cfg, file, os.Stdout)
		},
	}
	cmd.Flags().StringVar(&file, "file", "", "file name relative to output.path")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func newDeleteCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "delete",
		Short: "Remove shards, merged output and temporary files",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(flags)
			if err != nil {
				return err
			}
			return DeleteOutputFiles(cmd.Context(), cfg, os.Stdout)
		},
	}
}

func newDescribeCmd() *cobra.Command {
	var ddl string
	cmd := &cobra.Command{
		Use:   "describe",
		Short: "List registered strategies, or the columns a DDL file generates",
		RunE: func(_ *cobra.Command, _ []string) error {
			if ddl != "" {
				return DescribeDDL(ddl, os.Stdout)
			}
			DescribeRegistry(os.Stdout)
			return nil
		},
	}
	cmd.Flags().StringVar(&ddl, "ddl", "", "CREATE TABLE file for the synthetic extractor")
	return cmd
}
