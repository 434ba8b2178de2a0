// Command scheduler plans a catalog document offline and writes CSV exports.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/noah-isme/course-scheduler/internal/catalog"
	"github.com/noah-isme/course-scheduler/internal/planner"
	"github.com/noah-isme/course-scheduler/internal/service"
	"github.com/noah-isme/course-scheduler/internal/solver"
	"github.com/noah-isme/course-scheduler/internal/timetable"
	"github.com/noah-isme/course-scheduler/pkg/config"
	"github.com/noah-isme/course-scheduler/pkg/export"
	"github.com/noah-isme/course-scheduler/pkg/logger"
	"github.com/noah-isme/course-scheduler/pkg/storage"
)

// options holds the parsed command line. A nil prereqHard keeps the configured mode.
type options struct {
	catalogPath string
	outDir      string
	timeLimit   time.Duration
	prereqHard  *bool
}

func parseFlags(args []string) (options, error) {
	var opts options
	fs := flag.NewFlagSet("scheduler", flag.ContinueOnError)
	fs.StringVar(&opts.catalogPath, "catalog", "", "catalog document (YAML or JSON)")
	fs.StringVar(&opts.outDir, "out", "./exports", "directory receiving sections.csv and statistics.csv")
	fs.DurationVar(&opts.timeLimit, "time-limit", 0, "solver time limit, defaults to SCHEDULER_SOLVER_TIME_LIMIT")
	prereqHard := fs.Bool("prerequisite-hard", false, "treat prerequisite order as a hard constraint, defaults to SCHEDULER_PREREQUISITE_HARD")
	if err := fs.Parse(args); err != nil {
		return options{}, err
	}
	fs.Visit(func(f *flag.Flag) {
		if f.Name == "prerequisite-hard" {
			opts.prereqHard = prereqHard
		}
	})
	if opts.catalogPath == "" {
		return options{}, errors.New("-catalog is required")
	}
	return opts, nil
}

// apply overrides the configured scheduler defaults with explicitly set flags.
func (o options) apply(defaults config.SchedulerConfig) config.SchedulerConfig {
	if o.prereqHard != nil {
		defaults.PrerequisiteHard = *o.prereqHard
	}
	if o.timeLimit > 0 {
		defaults.SolverTimeLimit = o.timeLimit
	}
	return defaults
}

func main() {
	opts, err := parseFlags(os.Args[1:])
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(0)
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	logr, err := logger.New(cfg)
	if err != nil {
		log.Fatalf("failed to init logger: %v", err)
	}
	defer logr.Sync() //nolint:errcheck

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, logr, cfg.Scheduler, opts); err != nil {
		logr.Error("scheduling failed", zap.Error(err))
		os.Exit(1)
	}
}

func run(ctx context.Context, logr *zap.Logger, defaults config.SchedulerConfig, opts options) error {
	cat, err := catalog.LoadFile(opts.catalogPath)
	if err != nil {
		return err
	}

	rc, err := service.ResolveRunConfig(opts.apply(defaults), nil)
	if err != nil {
		return err
	}
	planOpts, limit, err := service.PlanOptions(rc)
	if err != nil {
		return err
	}
	logr.Info("run configuration resolved",
		zap.Bool("prerequisite_hard", rc.PrerequisiteHard),
		zap.Duration("time_limit", limit),
	)

	plan, err := planner.Build(cat, planOpts)
	if err != nil {
		return err
	}
	stats := plan.Stats()
	logr.Info("scheduling model built",
		zap.Int("sections", stats.Sections),
		zap.Int("variables", stats.Variables),
		zap.Int("constraints", stats.Constraints),
	)

	schedule, solveErr := timetable.Run(ctx, solver.NewPBSolver(logr, solver.WithMaxSearches(defaults.MaxSearches)), plan, limit)
	if schedule == nil {
		return solveErr
	}
	logr.Info("scheduling model solved",
		zap.String("status", string(schedule.Status())),
		zap.Bool("optimal", schedule.Optimal()),
		zap.Float64("objective", schedule.Objective()),
	)
	for _, d := range schedule.Diagnostics() {
		logr.Warn("diagnostic",
			zap.String("code", string(d.Code)),
			zap.String("family", d.Family),
			zap.String("message", d.Message),
		)
	}

	store, err := storage.NewLocalStorage(opts.outDir)
	if err != nil {
		return err
	}
	renderer := export.NewCSVRenderer()
	datasets := map[string]export.Dataset{
		"sections.csv":   service.SectionsDataset(schedule),
		"statistics.csv": service.StatisticsDataset(schedule),
	}
	for name, dataset := range datasets {
		data, err := renderer.Render(dataset)
		if err != nil {
			return fmt.Errorf("render %s: %w", name, err)
		}
		if _, err := store.Save(name, data); err != nil {
			return err
		}
		logr.Info("export written", zap.String("file", name), zap.Int("rows", len(dataset.Rows)))
	}

	// Infeasible runs still write their exports before reporting failure.
	return solveErr
}
