package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	gocron "github.com/go-co-op/gocron/v2"

	"github.com/reidlabs/gauge/internal/model"
	"github.com/reidlabs/gauge/internal/parallel"
)

// StartAll sweeps every configured audit. No audit may carry this name.
const StartAll = "**"

// AuditRunner executes one audit and returns its rendered findings.
type AuditRunner interface {
	Run(ctx context.Context, audit model.Audit) ([]byte, error)
}

// Result is the outcome of one audit in a sweep. Exactly one of Output
// and Err is set.
type Result struct {
	Audit  string
	Output []byte
	Err    error
}

// Supervisor owns the audit lifecycle: it listens for start requests,
// sweeps the selected audits through the runner with bounded parallelism
// and hands the findings to every sink.
//
// Only one sweep runs at a time. Start requests arriving while a sweep is
// in flight are ignored, audits never pile up behind a slow service.
type Supervisor struct {
	runner    AuditRunner
	audits    []model.Audit
	parallel  int
	oneshot   bool
	scheduler gocron.Scheduler
	sinks     []Sink

	start   chan string
	results chan Result
	wg      sync.WaitGroup
}

func NewSupervisor(ctx context.Context, cfg model.Config, runner AuditRunner) (*Supervisor, error) {
	out, err := sinks(ctx, cfg.Service)
	if err != nil {
		return nil, fmt.Errorf("initializing sinks: %w", err)
	}

	workers := cfg.Service.Parallel
	if workers < 1 {
		workers = 1
	}

	supervisor := &Supervisor{
		runner:   runner,
		audits:   cfg.Audits,
		parallel: workers,
		oneshot:  cfg.Service.Mode != model.ServiceModeTimer,
		sinks:    out,
		start:    make(chan string, 1),
		results:  make(chan Result, 1),
	}

	if cfg.Service.Mode == model.ServiceModeTimer {
		scheduler, err := newScheduler(ctx, cfg.Service.Schedule, func() { supervisor.Start(StartAll) })
		if err != nil {
			return nil, fmt.Errorf("timer mode failed: %w", err)
		}
		supervisor.scheduler = scheduler
	}

	return supervisor, nil
}

// WithSinks replaces the sinks built from config. This method exists for
// a unit testing only.
func (s *Supervisor) WithSinks(ctx context.Context, sinks ...Sink) *Supervisor {
	s.closeSinks(ctx)
	s.sinks = sinks
	return s
}

// Start tells supervisor to sweep the audit called name, or every audit
// when name is StartAll. This hints as a signal, so this ends immediately
// and without any error. A request arriving while one is already queued
// is dropped.
func (s *Supervisor) Start(name string) {
	select {
	case s.start <- name:
	default:
		slog.Warn("start already queued: dropping", "name", name)
	}
}

// Do runs the supervisor event loop.
// It multiplexes three concerns:
//  1. Start triggers (audit names received on s.start) – sweep launches the selected audits.
//  2. Audit results (from s.results) – on success publishes findings to every sink; on failure logs.
//  3. Context cancellation – terminates the loop and begins shutdown.
//
// Modes:
//   - Oneshot (manual): a wildcard start "**" is triggered once on entry; Do returns
//     once every audit reported, joining the errors.
//   - Timer: errors are only logged; the loop runs until ctx is cancelled.
//
// Startup: starts the scheduler (if present).
// Shutdown (deferred order): wait on s.wg (sweep goroutine) -> closeSinks -> scheduler shutdown.
// Returns nil on graceful cancellation.
func (s *Supervisor) Do(ctx context.Context) error {
	slog.DebugContext(ctx, "starting a supervisor")

	if s.scheduler != nil {
		s.scheduler.Start()
		defer func() {
			err := s.scheduler.Shutdown()
			if err != nil {
				slog.ErrorContext(ctx, "shutting down gocron has failed", "error", err)
			}
		}()
	}

	defer func() {
		s.closeSinks(ctx)
	}()

	defer func() {
		s.wg.Wait()
	}()

	if s.oneshot {
		s.Start(StartAll)
	}

	var pending int
	var errs []error
	for {
		select {
		case <-ctx.Done():
			return nil
		case name := <-s.start:
			if pending > 0 {
				slog.WarnContext(ctx, "sweep already running: ignoring start", "name", name)
				continue
			}
			n := s.sweep(ctx, name)
			if n == 0 {
				if s.oneshot {
					return fmt.Errorf("%w: no audit matches %q", model.ErrInvalidArgument, name)
				}
				slog.WarnContext(ctx, "no audit matches: ignoring start", "name", name)
				continue
			}
			slog.DebugContext(ctx, "sweep started", "name", name, "audits", n)
			pending = n
		case result := <-s.results:
			pending--
			switch {
			case result.Err != nil:
				slog.ErrorContext(ctx, "audit have failed", "audit", result.Audit, "error", result.Err)
				if s.oneshot {
					errs = append(errs, result.Err)
				}
			default:
				slog.DebugContext(ctx, "audit succeeded: publishing", "audit", result.Audit)
				if err := s.publish(ctx, result); err != nil {
					slog.ErrorContext(ctx, "publishing findings have failed", "audit", result.Audit, "error", err)
					if s.oneshot {
						errs = append(errs, err)
					}
				}
			}
			if s.oneshot && pending == 0 {
				return errors.Join(errs...)
			}
		}
	}
}

// sweep runs the selected audits in the background and returns how many
// results the event loop should expect back.
func (s *Supervisor) sweep(ctx context.Context, name string) int {
	audits := s.selected(name)
	if len(audits) == 0 {
		return 0
	}

	s.wg.Go(func() {
		outcomes := parallel.Map(ctx, s.parallel, slices.Values(audits),
			func(ctx context.Context, audit model.Audit) (Result, error) {
				output, err := s.runner.Run(ctx, audit)
				if err != nil {
					return Result{Audit: audit.Name, Err: fmt.Errorf("audit %s: %w", audit.Name, err)}, nil
				}
				return Result{Audit: audit.Name, Output: output}, nil
			})
		for result := range outcomes {
			select {
			case s.results <- result:
			case <-ctx.Done():
				return
			}
		}
	})
	return len(audits)
}

func (s *Supervisor) selected(name string) []model.Audit {
	if name == StartAll {
		return s.audits
	}
	var out []model.Audit
	for _, audit := range s.audits {
		if audit.Name == name {
			out = append(out, audit)
		}
	}
	return out
}

func (s *Supervisor) publish(ctx context.Context, result Result) error {
	var errs []error
	for _, sink := range s.sinks {
		err := sink.Publish(ctx, result.Audit, result.Output)
		if err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (s *Supervisor) closeSinks(ctx context.Context) {
	for _, sink := range s.sinks {
		if closer, ok := sink.(SinkCloser); ok {
			err := closer.Close()
			if err != nil {
				slog.ErrorContext(ctx, "closing sink have failed", "error", err)
			}
		}
	}
}

func newScheduler(ctx context.Context, cfgp *model.TimerSchedule, startFunc func()) (gocron.Scheduler, error) {
	if cfgp == nil {
		return nil, fmt.Errorf("service.schedule is nil")
	}
	cfg := *cfgp
	var job gocron.JobDefinition
	switch {
	case cfg.Cron != "":
		err := model.ParseCron(cfg.Cron)
		if err != nil {
			return nil, fmt.Errorf("parsing service.schedule.cron: %w", err)
		}
		job = gocron.CronJob(cfg.Cron, false)
		slog.DebugContext(ctx, "successfully parsed", "cron", cfg.Cron, "job", job)
	case cfg.Duration != "":
		d, err := model.ParseISODuration(cfg.Duration)
		if err != nil {
			return nil, fmt.Errorf("parsing service.schedule.duration: %w", err)
		}
		job = gocron.DurationJob(d)
		slog.DebugContext(ctx, "successfully parsed", "duration", d.String(), "job", job)
	default:
		return nil, errors.New("both cron and duration are empty")
	}

	scheduler, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("initializing gocron scheduler: %w", err)
	}
	_, err = scheduler.NewJob(
		job,
		gocron.NewTask(startFunc),
	)
	if err != nil {
		return nil, fmt.Errorf("initializing gocron job: %w", err)
	}
	return scheduler, nil
}
