package risk

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"cloud.google.com/go/dlp/apiv2/dlppb"
	"cloud.google.com/go/pubsub"
	"github.com/googleapis/gax-go/v2"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/reidlabs/gauge/internal/model"
)

const (
	DefaultBudget       = 10 * time.Minute
	DefaultPollInterval = 30 * time.Second
	DefaultPollAttempts = 30

	fetchAttempts = 3
)

// jobNameAttribute carries the job resource name in notification messages.
const jobNameAttribute = "DlpJobName"

// Waiter blocks until a risk job reaches a terminal state. AwaitNotified
// consumes completion notifications and confirms each with an authoritative
// status fetch, the notification payload is never trusted. AwaitPolled polls
// on a fixed cadence for jobs submitted without a notification action.
type Waiter struct {
	jobs         JobClient
	budget       time.Duration
	pollInterval time.Duration
	pollAttempts int
}

func NewWaiter(jobs JobClient) *Waiter {
	return &Waiter{
		jobs:         jobs,
		budget:       DefaultBudget,
		pollInterval: DefaultPollInterval,
		pollAttempts: DefaultPollAttempts,
	}
}

func (w *Waiter) WithBudget(d time.Duration) *Waiter {
	if d > 0 {
		w.budget = d
	}
	return w
}

func (w *Waiter) WithPolling(interval time.Duration, attempts int) *Waiter {
	if interval > 0 {
		w.pollInterval = interval
	}
	if attempts > 0 {
		w.pollAttempts = attempts
	}
	return w
}

// AwaitNotified returns the job once a notification confirms it is DONE.
//
// Messages for other jobs are nacked and left to their own waiters. A
// matching message triggers exactly one status fetch: DONE is acked and
// returned, FAILED and CANCELED are acked and reported as JobFailedError,
// anything else is nacked so the at-least-once redelivery tries again later.
// Duplicate deliveries after completion are acked and ignored. When the
// budget runs out the job is left as is and ErrWaitTimeout is returned
// without any status fetch.
func (w *Waiter) AwaitNotified(ctx context.Context, jobName string, rcv Receiver) (*dlppb.DlpJob, error) {
	if jobName == "" {
		return nil, fmt.Errorf("%w: empty job name", model.ErrInvalidArgument)
	}

	ctx, cancel := context.WithTimeout(ctx, w.budget)
	defer cancel()

	var (
		mx   sync.Mutex
		done *dlppb.DlpJob
		terr error
	)
	rerr := rcv.Receive(ctx, func(ctx context.Context, msg *pubsub.Message) {
		if msg.Attributes[jobNameAttribute] != jobName {
			msg.Nack()
			return
		}

		mx.Lock()
		defer mx.Unlock()
		if done != nil || terr != nil {
			msg.Ack() // duplicate delivery after completion
			return
		}

		job, err := w.fetch(ctx, jobName)
		if err != nil {
			msg.Nack()
			if ctx.Err() == nil {
				terr = err
				cancel()
			}
			return
		}
		switch job.GetState() {
		case dlppb.DlpJob_DONE:
			msg.Ack()
			done = job
			cancel()
		case dlppb.DlpJob_FAILED, dlppb.DlpJob_CANCELED:
			msg.Ack()
			terr = failed(job)
			cancel()
		default:
			// notified but not terminal yet, redelivery will retry
			msg.Nack()
			slog.DebugContext(ctx, "job not terminal yet", "job_name", jobName, "state", job.GetState().String())
		}
	})

	mx.Lock()
	defer mx.Unlock()
	switch {
	case done != nil:
		return done, nil
	case terr != nil:
		return nil, terr
	case rerr != nil && !errors.Is(rerr, context.Canceled) && !errors.Is(rerr, context.DeadlineExceeded):
		return nil, fmt.Errorf("receiving notifications: %w", rerr)
	default:
		return nil, fmt.Errorf("%w: no terminal notification for %s within %s", model.ErrWaitTimeout, jobName, w.budget)
	}
}

// AwaitPolled polls the job on a fixed cadence until it is terminal.
func (w *Waiter) AwaitPolled(ctx context.Context, jobName string) (*dlppb.DlpJob, error) {
	if jobName == "" {
		return nil, fmt.Errorf("%w: empty job name", model.ErrInvalidArgument)
	}

	var state dlppb.DlpJob_JobState
	for attempt := 0; attempt < w.pollAttempts; attempt++ {
		job, err := w.fetch(ctx, jobName)
		if err != nil {
			return nil, err
		}
		state = job.GetState()
		switch state {
		case dlppb.DlpJob_DONE:
			return job, nil
		case dlppb.DlpJob_FAILED, dlppb.DlpJob_CANCELED:
			return nil, failed(job)
		}
		if err := gax.Sleep(ctx, w.pollInterval); err != nil {
			return nil, err
		}
	}
	return nil, fmt.Errorf("%w: %s still %s after %d polls", model.ErrWaitTimeout, jobName, state, w.pollAttempts)
}

// fetch is the authoritative status read, with a short backoff over
// transient service errors.
func (w *Waiter) fetch(ctx context.Context, jobName string) (*dlppb.DlpJob, error) {
	bo := gax.Backoff{
		Initial:    500 * time.Millisecond,
		Max:        5 * time.Second,
		Multiplier: 2,
	}
	var lastErr error
	for attempt := 0; attempt < fetchAttempts; attempt++ {
		job, err := w.jobs.GetDlpJob(ctx, &dlppb.GetDlpJobRequest{Name: jobName})
		if err == nil {
			return job, nil
		}
		if !transient(err) {
			return nil, fmt.Errorf("fetching job %s: %w", jobName, err)
		}
		lastErr = err
		if err := gax.Sleep(ctx, bo.Pause()); err != nil {
			return nil, err
		}
	}
	return nil, fmt.Errorf("%w: fetching job %s: %w", model.ErrServiceUnavailable, jobName, lastErr)
}

func transient(err error) bool {
	switch status.Code(err) {
	case codes.Unavailable, codes.DeadlineExceeded, codes.ResourceExhausted:
		return true
	}
	return false
}

func failed(job *dlppb.DlpJob) error {
	return &model.JobFailedError{
		Name:   job.GetName(),
		State:  job.GetState().String(),
		Reason: failReason(job),
	}
}

func failReason(job *dlppb.DlpJob) string {
	errs := job.GetErrors()
	msgs := make([]string, 0, len(errs))
	for _, e := range errs {
		if m := e.GetDetails().GetMessage(); m != "" {
			msgs = append(msgs, m)
		}
	}
	return strings.Join(msgs, "; ")
}
