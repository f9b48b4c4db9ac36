package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/fakturenn/fakturenn/internal/bootstrap"
	"github.com/fakturenn/fakturenn/internal/bus"
	"github.com/fakturenn/fakturenn/internal/data"
	"github.com/fakturenn/fakturenn/internal/devseed"
	"github.com/fakturenn/fakturenn/internal/domain/model"
	"github.com/fakturenn/fakturenn/internal/service"
)

const (
	defaultMigrationTimeout = 5 * time.Minute
	defaultCommandTimeout   = 2 * time.Minute
)

func runMigrate(cmdCtx *commandContext, args []string) error {
	fs := flag.NewFlagSet("migrate", flag.ContinueOnError)
	timeout := fs.Duration("timeout", defaultMigrationTimeout, "migration timeout")
	if err := fs.Parse(args); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(cmdCtx.Ctx, *timeout)
	defer cancel()

	db, err := connectDB(cmdCtx.Logger, &cmdCtx.Config)
	if err != nil {
		return err
	}
	defer closeQuietly(cmdCtx.Logger, "db", db)

	return bootstrap.RunMigrations(ctx, db, cmdCtx.Logger)
}

func runDBSeed(cmdCtx *commandContext, args []string) error {
	fs := flag.NewFlagSet("db-seed", flag.ContinueOnError)
	timeout := fs.Duration("timeout", defaultMigrationTimeout, "seed timeout")
	if err := fs.Parse(args); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(cmdCtx.Ctx, *timeout)
	defer cancel()

	db, err := connectDB(cmdCtx.Logger, &cmdCtx.Config)
	if err != nil {
		return err
	}
	defer closeQuietly(cmdCtx.Logger, "db", db)

	if err := bootstrap.RunMigrations(ctx, db, cmdCtx.Logger); err != nil {
		return err
	}
	return devseed.Seed(ctx, db, cmdCtx.Logger)
}

func runTrigger(cmdCtx *commandContext, args []string) error {
	fs := flag.NewFlagSet("trigger", flag.ContinueOnError)
	automationID := fs.String("automation", "", "automation ID to trigger (required)")
	maxResults := fs.Int("max-results", 0, "override the per-source extraction bound")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *automationID == "" {
		return errors.New("-automation is required")
	}

	ctx, cancel := context.WithTimeout(cmdCtx.Ctx, defaultCommandTimeout)
	defer cancel()

	db, redisClient, err := connectInfra(cmdCtx.Logger, &cmdCtx.Config)
	if err != nil {
		return err
	}
	defer closeQuietly(cmdCtx.Logger, "db", db)
	defer closeQuietly(cmdCtx.Logger, "redis", redisClient)

	streamBus, err := bus.NewStreamBus(redisClient, bus.StreamConfig{
		KeyPrefix: cmdCtx.Config.Bus.KeyPrefix,
		Logger:    cmdCtx.Logger,
	})
	if err != nil {
		return err
	}

	repoCfg := data.RepoConfig{Logger: cmdCtx.Logger}
	jobs := service.NewJobService(service.JobServiceOptions{
		Automations: data.NewAutomationRepo(db, repoCfg),
		Jobs:        data.NewJobRepo(db, repoCfg),
		Bus:         streamBus,
		Logger:      cmdCtx.Logger,
	})

	params := service.TriggerParams{AutomationID: *automationID}
	if *maxResults > 0 {
		params.MaxResults = maxResults
	}

	job, err := jobs.Trigger(ctx, params)
	if err != nil {
		return fmt.Errorf("trigger automation %s: %w", *automationID, err)
	}

	return writef(os.Stdout, "job %s created (status %s)\n", job.ID, job.Status)
}

func runListJobs(cmdCtx *commandContext, args []string) error {
	fs := flag.NewFlagSet("list-jobs", flag.ContinueOnError)
	automationID := fs.String("automation", "", "automation ID (required)")
	limit := fs.Int("limit", 20, "maximum jobs to list")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *automationID == "" {
		return errors.New("-automation is required")
	}

	ctx, cancel := context.WithTimeout(cmdCtx.Ctx, defaultCommandTimeout)
	defer cancel()

	db, err := connectDB(cmdCtx.Logger, &cmdCtx.Config)
	if err != nil {
		return err
	}
	defer closeQuietly(cmdCtx.Logger, "db", db)

	repo := data.NewJobRepo(db, data.RepoConfig{Logger: cmdCtx.Logger})
	jobs, err := repo.ListByAutomation(ctx, *automationID, *limit)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	if err := writef(w, "ID\tSTATUS\tCREATED\tCOMPLETED\tEXPORTED\tFAILED\tERROR\n"); err != nil {
		return err
	}
	for i := range jobs {
		j := &jobs[i]
		if err := writef(w, "%s\t%s\t%s\t%s\t%d\t%d\t%s\n",
			j.ID, j.Status,
			j.CreatedAt.Format(time.RFC3339),
			formatTime(j.CompletedAt),
			j.Stats.Exported, j.Stats.ExportsFailed,
			formatString(j.ErrorMessage),
		); err != nil {
			return err
		}
	}
	return w.Flush()
}

func runShowJob(cmdCtx *commandContext, args []string) error {
	fs := flag.NewFlagSet("show-job", flag.ContinueOnError)
	jobID := fs.String("id", "", "job ID (required)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *jobID == "" {
		return errors.New("-id is required")
	}

	ctx, cancel := context.WithTimeout(cmdCtx.Ctx, defaultCommandTimeout)
	defer cancel()

	db, err := connectDB(cmdCtx.Logger, &cmdCtx.Config)
	if err != nil {
		return err
	}
	defer closeQuietly(cmdCtx.Logger, "db", db)

	repoCfg := data.RepoConfig{Logger: cmdCtx.Logger}
	jobs := data.NewJobRepo(db, repoCfg)
	history := data.NewExportHistoryRepo(db, repoCfg)

	job, err := jobs.Find(ctx, *jobID)
	if err != nil {
		return err
	}

	if err := printJob(job); err != nil {
		return err
	}

	entries, err := history.ListByJob(ctx, *jobID)
	if err != nil {
		return err
	}
	return printHistory(entries)
}

func printJob(job *model.Job) error {
	stats, err := json.MarshalIndent(job.Stats, "", "  ")
	if err != nil {
		return err
	}
	if err := writef(os.Stdout, "job %s\n  automation: %s\n  status: %s\n  created: %s\n  started: %s\n  completed: %s\n  error: %s\n  stats: %s\n",
		job.ID, job.AutomationID, job.Status,
		job.CreatedAt.Format(time.RFC3339),
		formatTime(job.StartedAt),
		formatTime(job.CompletedAt),
		formatString(job.ErrorMessage),
		stats,
	); err != nil {
		return err
	}
	return nil
}

func printHistory(entries []model.ExportHistory) error {
	if len(entries) == 0 {
		return writef(os.Stdout, "\nno export history\n")
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	if err := writef(w, "\nEXPORT\tTYPE\tSTATUS\tKEY\tAT\tREF\tERROR\n"); err != nil {
		return err
	}
	for i := range entries {
		e := &entries[i]
		if err := writef(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			formatString(e.ExportID), e.ExportType, e.Status, e.DuplicateKey,
			e.ExportedAt.Format(time.RFC3339),
			formatString(e.ExternalReference),
			formatString(e.ErrorMessage),
		); err != nil {
			return err
		}
	}
	return w.Flush()
}

func formatTime(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.Format(time.RFC3339)
}

func formatString(s *string) string {
	if s == nil || *s == "" {
		return "-"
	}
	return *s
}
