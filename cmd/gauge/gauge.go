package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"cloud.google.com/go/bigquery"
	dlp "cloud.google.com/go/dlp/apiv2"
	"cloud.google.com/go/dlp/apiv2/dlppb"
	"cloud.google.com/go/pubsub"
	"github.com/spf13/cobra"

	"github.com/reidlabs/gauge/internal/log"
	"github.com/reidlabs/gauge/internal/model"
	"github.com/reidlabs/gauge/internal/notify"
	"github.com/reidlabs/gauge/internal/risk"
	"github.com/reidlabs/gauge/internal/service"
	"github.com/reidlabs/gauge/internal/warehouse"
)

var (
	flagTable     string
	flagColumn    string
	flagQuasiIDs  []string
	flagSensitive string
	flagInfoTypes []string
	flagRegion    string
	flagEntity    string
	flagOutput    string
	flagKeepJob   bool
	flagAudit     string
	flagTeardown  string
)

func init() {
	analysisCmds := []*cobra.Command{
		numericalCmd, categoricalCmd, kAnonymityCmd, lDiversityCmd, kMapCmd, kAnonymityEntityCmd,
	}
	for _, cmd := range analysisCmds {
		cmd.Flags().StringVar(&flagTable, "table", "", "source table as project.dataset.table - default comes from the config")
		cmd.Flags().BoolVar(&flagKeepJob, "keep-job", false, "keep the finished job on the server")
	}
	numericalCmd.Flags().StringVar(&flagColumn, "column", "", "column to analyze")
	categoricalCmd.Flags().StringVar(&flagColumn, "column", "", "column to analyze")
	kAnonymityCmd.Flags().StringSliceVar(&flagQuasiIDs, "quasi-ids", nil, "quasi-identifier columns")
	lDiversityCmd.Flags().StringSliceVar(&flagQuasiIDs, "quasi-ids", nil, "quasi-identifier columns")
	lDiversityCmd.Flags().StringVar(&flagSensitive, "sensitive", "", "sensitive column to measure diversity of")
	kMapCmd.Flags().StringSliceVar(&flagQuasiIDs, "quasi-ids", nil, "quasi-identifier columns")
	kMapCmd.Flags().StringSliceVar(&flagInfoTypes, "info-types", nil, "one info type per quasi-id, e.g. AGE")
	kMapCmd.Flags().StringVar(&flagRegion, "region", "", "ISO 3166-1 region code the table relates to - default US")
	kAnonymityEntityCmd.Flags().StringSliceVar(&flagQuasiIDs, "quasi-ids", nil, "quasi-identifier columns")
	kAnonymityEntityCmd.Flags().StringVar(&flagEntity, "entity", "", "column identifying one entity across rows")
	kAnonymityEntityCmd.Flags().StringVar(&flagOutput, "output", "", "findings table as project.dataset.table - default is the results table next to the source")

	runCmd.Flags().StringVar(&flagAudit, "audit", "", "run only the audit with this name")
	seedCmd.Flags().StringVar(&flagTeardown, "teardown", "", "drop the named fixture dataset instead of seeding")
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "run command reads the configuration and executes the audits",
	RunE:  doRun,
}

var numericalCmd = &cobra.Command{
	Use:   "numerical",
	Short: "numerical computes min, max and quantile buckets of a numeric column",
	RunE: func(cmd *cobra.Command, args []string) error {
		return oneShot(cmd, model.Audit{
			Name:   "numerical",
			Kind:   model.KindNumerical,
			Column: flagColumn,
		})
	},
}

var categoricalCmd = &cobra.Command{
	Use:   "categorical",
	Short: "categorical computes value frequency buckets of a column",
	RunE: func(cmd *cobra.Command, args []string) error {
		return oneShot(cmd, model.Audit{
			Name:   "categorical",
			Kind:   model.KindCategorical,
			Column: flagColumn,
		})
	},
}

var kAnonymityCmd = &cobra.Command{
	Use:   "k-anonymity",
	Short: "k-anonymity computes equivalence class sizes over quasi-identifiers",
	RunE: func(cmd *cobra.Command, args []string) error {
		return oneShot(cmd, model.Audit{
			Name:     "k-anonymity",
			Kind:     model.KindKAnonymity,
			QuasiIDs: flagQuasiIDs,
		})
	},
}

var lDiversityCmd = &cobra.Command{
	Use:   "l-diversity",
	Short: "l-diversity computes sensitive value diversity per equivalence class",
	RunE: func(cmd *cobra.Command, args []string) error {
		return oneShot(cmd, model.Audit{
			Name:      "l-diversity",
			Kind:      model.KindLDiversity,
			QuasiIDs:  flagQuasiIDs,
			Sensitive: flagSensitive,
		})
	},
}

var kMapCmd = &cobra.Command{
	Use:   "k-map",
	Short: "k-map estimates re-identifiability against public datasets",
	RunE: func(cmd *cobra.Command, args []string) error {
		return oneShot(cmd, model.Audit{
			Name:      "k-map",
			Kind:      model.KindKMap,
			QuasiIDs:  flagQuasiIDs,
			InfoTypes: flagInfoTypes,
			Region:    flagRegion,
		})
	},
}

var kAnonymityEntityCmd = &cobra.Command{
	Use:   "k-anonymity-entity",
	Short: "k-anonymity-entity computes k-anonymity with rows grouped per entity",
	RunE: func(cmd *cobra.Command, args []string) error {
		return oneShot(cmd, model.Audit{
			Name:     "k-anonymity-entity",
			Kind:     model.KindKAnonymityEntity,
			QuasiIDs: flagQuasiIDs,
			Entity:   flagEntity,
		})
	},
}

var seedCmd = &cobra.Command{
	Use:    "_seed",
	Short:  "internal command",
	RunE:   doSeed,
	Hidden: true,
}

// runner executes one audit against the live services and captures the
// findings the analysis prints.
type runner struct {
	jobs   *dlp.Client
	notify *pubsub.Client
	waiter *risk.Waiter
	cfg    model.Config
}

func newRunner(ctx context.Context, cfg model.Config) (*runner, error) {
	if cfg.Project == "" {
		return nil, fmt.Errorf("%w: config names no project", model.ErrInvalidArgument)
	}

	jobs, err := dlp.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("initializing dlp client: %w", err)
	}
	notifyClient, err := pubsub.NewClient(ctx, cfg.Project)
	if err != nil {
		_ = jobs.Close()
		return nil, fmt.Errorf("initializing pubsub client: %w", err)
	}

	waiter, err := newWaiter(jobs, cfg.Wait)
	if err != nil {
		_ = notifyClient.Close()
		_ = jobs.Close()
		return nil, err
	}

	return &runner{jobs: jobs, notify: notifyClient, waiter: waiter, cfg: cfg}, nil
}

func newWaiter(jobs risk.JobClient, cfg model.Wait) (*risk.Waiter, error) {
	waiter := risk.NewWaiter(jobs)
	if cfg.Budget != "" {
		budget, err := time.ParseDuration(cfg.Budget)
		if err != nil {
			return nil, fmt.Errorf("parsing wait.budget: %w", err)
		}
		waiter = waiter.WithBudget(budget)
	}

	interval := risk.DefaultPollInterval
	if cfg.PollInterval != "" {
		var err error
		interval, err = time.ParseDuration(cfg.PollInterval)
		if err != nil {
			return nil, fmt.Errorf("parsing wait.poll_interval: %w", err)
		}
	}
	attempts := risk.DefaultPollAttempts
	if cfg.PollAttempts > 0 {
		attempts = cfg.PollAttempts
	}
	return waiter.WithPolling(interval, attempts), nil
}

func (r *runner) Close() error {
	return errors.Join(r.notify.Close(), r.jobs.Close())
}

func (r *runner) Run(ctx context.Context, audit model.Audit) ([]byte, error) {
	ctx = log.ContextAttrs(ctx,
		slog.String("audit", audit.Name),
		slog.String("kind", audit.Kind),
	)

	var buf bytes.Buffer
	analyzer := risk.NewAnalyzer(r.jobs, &buf).WithWaiter(r.waiter)

	job, err := r.analyze(ctx, analyzer, audit)
	if err != nil {
		return nil, err
	}

	if !r.cfg.Service.KeepJobs {
		// teardown still runs when the surrounding context is gone
		ctx := context.WithoutCancel(ctx)
		if err := analyzer.DeleteJob(ctx, job.GetName()); err != nil {
			slog.WarnContext(ctx, "deleting finished job failed", "job", job.GetName(), "error", err)
		}
	}
	return buf.Bytes(), nil
}

func (r *runner) analyze(ctx context.Context, analyzer *risk.Analyzer, audit model.Audit) (*dlppb.DlpJob, error) {
	table, err := r.auditTable(audit)
	if err != nil {
		return nil, err
	}

	// The entity variant has no notification action, the waiter polls.
	if audit.Kind == model.KindKAnonymityEntity {
		output := model.TableRef{
			ProjectID: table.ProjectID,
			DatasetID: table.DatasetID,
			TableID:   warehouse.ResultsTableID,
		}
		if audit.Output != nil {
			output = *audit.Output
		}
		return analyzer.KAnonymityEntity(ctx, risk.KAnonymityEntityParams{
			Project:  r.cfg.Project,
			Location: r.cfg.Location,
			Table:    table,
			Entity:   audit.Entity,
			QuasiIDs: audit.QuasiIDs,
			Output:   output,
		})
	}

	channel, err := notify.Open(ctx, r.notify, r.cfg.Notify.Prefix)
	if err != nil {
		return nil, fmt.Errorf("opening notification channel: %w", err)
	}
	defer func() {
		if err := channel.Close(context.WithoutCancel(ctx)); err != nil {
			slog.WarnContext(ctx, "closing notification channel failed", "error", err)
		}
	}()

	switch audit.Kind {
	case model.KindNumerical:
		return analyzer.Numerical(ctx, risk.NumericalParams{
			Project:  r.cfg.Project,
			Location: r.cfg.Location,
			Table:    table,
			Column:   audit.Column,
			Topic:    channel.TopicName(),
		}, channel.Subscription())
	case model.KindCategorical:
		return analyzer.Categorical(ctx, risk.CategoricalParams{
			Project:  r.cfg.Project,
			Location: r.cfg.Location,
			Table:    table,
			Column:   audit.Column,
			Topic:    channel.TopicName(),
		}, channel.Subscription())
	case model.KindKAnonymity:
		return analyzer.KAnonymity(ctx, risk.KAnonymityParams{
			Project:  r.cfg.Project,
			Location: r.cfg.Location,
			Table:    table,
			QuasiIDs: audit.QuasiIDs,
			Topic:    channel.TopicName(),
		}, channel.Subscription())
	case model.KindLDiversity:
		return analyzer.LDiversity(ctx, risk.LDiversityParams{
			Project:   r.cfg.Project,
			Location:  r.cfg.Location,
			Table:     table,
			Sensitive: audit.Sensitive,
			QuasiIDs:  audit.QuasiIDs,
			Topic:     channel.TopicName(),
		}, channel.Subscription())
	case model.KindKMap:
		return analyzer.KMapEstimate(ctx, risk.KMapParams{
			Project:   r.cfg.Project,
			Location:  r.cfg.Location,
			Table:     table,
			QuasiIDs:  audit.QuasiIDs,
			InfoTypes: audit.InfoTypes,
			Region:    audit.Region,
			Topic:     channel.TopicName(),
		}, channel.Subscription())
	default:
		return nil, fmt.Errorf("%w: audit kind %q is not supported", model.ErrInvalidArgument, audit.Kind)
	}
}

func (r *runner) auditTable(audit model.Audit) (model.TableRef, error) {
	switch {
	case audit.Table != nil:
		return *audit.Table, nil
	case r.cfg.Table != nil:
		return *r.cfg.Table, nil
	}
	return model.TableRef{}, fmt.Errorf("%w: audit %s names no table and the config has no default", model.ErrInvalidArgument, audit.Name)
}

// oneShot runs a single audit built from command flags and prints the
// findings to stdout.
func oneShot(cmd *cobra.Command, audit model.Audit) error {
	ctx := log.ContextAttrs(cmd.Context(), slog.Group("gauge",
		slog.String("cmd", cmd.Name()),
		slog.Int("pid", os.Getpid()),
	))

	cfg := config
	if flagKeepJob {
		cfg.Service.KeepJobs = true
	}
	if flagTable != "" {
		table, err := model.ParseTableRef(flagTable)
		if err != nil {
			return err
		}
		audit.Table = &table
	}
	if flagOutput != "" {
		output, err := model.ParseTableRef(flagOutput)
		if err != nil {
			return err
		}
		audit.Output = &output
	}

	runner, err := newRunner(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := runner.Close(); err != nil {
			slog.WarnContext(ctx, "closing clients failed", "error", err)
		}
	}()

	findings, err := runner.Run(ctx, audit)
	if err != nil {
		return err
	}
	_, err = os.Stdout.Write(findings)
	return err
}

func doRun(cmd *cobra.Command, args []string) error {
	ctx := log.ContextAttrs(cmd.Context(), slog.Group("gauge",
		slog.String("cmd", "run"),
		slog.Int("pid", os.Getpid()),
	))
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg := config
	if flagAudit != "" {
		var audits []model.Audit
		for _, audit := range cfg.Audits {
			if audit.Name == flagAudit {
				audits = append(audits, audit)
			}
		}
		if len(audits) == 0 {
			return fmt.Errorf("%w: no audit named %q in %s", model.ErrInvalidArgument, flagAudit, configPath)
		}
		cfg.Audits = audits
	}

	runner, err := newRunner(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := runner.Close(); err != nil {
			slog.WarnContext(ctx, "closing clients failed", "error", err)
		}
	}()

	supervisor, err := service.NewSupervisor(ctx, cfg, runner)
	if err != nil {
		return err
	}

	return supervisor.Do(ctx)
}

func doSeed(cmd *cobra.Command, args []string) error {
	ctx := log.ContextAttrs(cmd.Context(), slog.Group("gauge",
		slog.String("cmd", "_seed"),
		slog.Int("pid", os.Getpid()),
	))

	if config.Project == "" {
		return fmt.Errorf("%w: config names no project", model.ErrInvalidArgument)
	}

	client, err := bigquery.NewClient(ctx, config.Project)
	if err != nil {
		return fmt.Errorf("initializing bigquery client: %w", err)
	}
	defer func() {
		_ = client.Close()
	}()

	if flagTeardown != "" {
		return warehouse.Attach(client, flagTeardown).Close(ctx)
	}

	fixture, err := warehouse.Seed(ctx, client, "")
	if err != nil {
		return err
	}
	fmt.Printf("Dataset: %s\n", fixture.DatasetID())
	fmt.Printf("Records table: %s\n", fixture.RecordsTable())
	fmt.Printf("Harmful table: %s\n", fixture.HarmfulTable())
	return nil
}
