package risk_test

import (
	"context"
	"sync"
	"testing"
	"testing/synctest"
	"time"

	"cloud.google.com/go/dlp/apiv2/dlppb"
	"cloud.google.com/go/pubsub"
	"github.com/googleapis/gax-go/v2"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	rpcstatus "google.golang.org/genproto/googleapis/rpc/status"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/reidlabs/gauge/internal/model"
	"github.com/reidlabs/gauge/internal/risk"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const jobName = "projects/bricks/dlpJobs/r-7f3a"

type getResult struct {
	job *dlppb.DlpJob
	err error
}

func jobIn(state dlppb.DlpJob_JobState) getResult {
	return getResult{job: &dlppb.DlpJob{Name: jobName, State: state}}
}

// fakeJobs serves GetDlpJob from a queue of canned results, repeating the
// last one once the queue is drained.
type fakeJobs struct {
	mu      sync.Mutex
	gets    []getResult
	calls   int
	created []*dlppb.CreateDlpJobRequest
	deleted []string
}

func (f *fakeJobs) CreateDlpJob(_ context.Context, req *dlppb.CreateDlpJobRequest, _ ...gax.CallOption) (*dlppb.DlpJob, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.created = append(f.created, req)
	return &dlppb.DlpJob{Name: jobName, State: dlppb.DlpJob_PENDING}, nil
}

func (f *fakeJobs) GetDlpJob(_ context.Context, req *dlppb.GetDlpJobRequest, _ ...gax.CallOption) (*dlppb.DlpJob, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if len(f.gets) == 0 {
		return nil, status.Error(codes.NotFound, req.GetName())
	}
	next := f.gets[0]
	if len(f.gets) > 1 {
		f.gets = f.gets[1:]
	}
	return next.job, next.err
}

func (f *fakeJobs) DeleteDlpJob(_ context.Context, req *dlppb.DeleteDlpJobRequest, _ ...gax.CallOption) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, req.GetName())
	return nil
}

func (f *fakeJobs) getCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// fakeReceiver hands every message to the callback, then behaves like a
// subscription with nothing more to deliver.
type fakeReceiver struct {
	msgs []*pubsub.Message
	err  error
}

func (r *fakeReceiver) Receive(ctx context.Context, f func(context.Context, *pubsub.Message)) error {
	for _, m := range r.msgs {
		f(ctx, m)
	}
	if r.err != nil {
		return r.err
	}
	<-ctx.Done()
	return nil
}

func notification(name string) *pubsub.Message {
	return &pubsub.Message{Attributes: map[string]string{"DlpJobName": name}}
}

func TestWaiterAwaitNotified(t *testing.T) {
	t.Parallel()

	t.Run("done", func(t *testing.T) {
		t.Parallel()
		jobs := &fakeJobs{gets: []getResult{jobIn(dlppb.DlpJob_DONE)}}
		rcv := &fakeReceiver{msgs: []*pubsub.Message{notification(jobName)}}

		job, err := risk.NewWaiter(jobs).AwaitNotified(t.Context(), jobName, rcv)
		require.NoError(t, err)
		require.Equal(t, dlppb.DlpJob_DONE, job.GetState())
		require.Equal(t, 1, jobs.getCalls())
	})

	t.Run("duplicate deliveries fetch once", func(t *testing.T) {
		t.Parallel()
		jobs := &fakeJobs{gets: []getResult{jobIn(dlppb.DlpJob_DONE)}}
		rcv := &fakeReceiver{msgs: []*pubsub.Message{notification(jobName), notification(jobName)}}

		_, err := risk.NewWaiter(jobs).AwaitNotified(t.Context(), jobName, rcv)
		require.NoError(t, err)
		require.Equal(t, 1, jobs.getCalls())
	})

	t.Run("not terminal yet, redelivery settles it", func(t *testing.T) {
		t.Parallel()
		jobs := &fakeJobs{gets: []getResult{jobIn(dlppb.DlpJob_RUNNING), jobIn(dlppb.DlpJob_DONE)}}
		rcv := &fakeReceiver{msgs: []*pubsub.Message{notification(jobName), notification(jobName)}}

		job, err := risk.NewWaiter(jobs).AwaitNotified(t.Context(), jobName, rcv)
		require.NoError(t, err)
		require.Equal(t, dlppb.DlpJob_DONE, job.GetState())
		require.Equal(t, 2, jobs.getCalls())
	})

	t.Run("failed job", func(t *testing.T) {
		t.Parallel()
		jobs := &fakeJobs{gets: []getResult{{job: &dlppb.DlpJob{
			Name:   jobName,
			State:  dlppb.DlpJob_FAILED,
			Errors: []*dlppb.Error{{Details: &rpcstatus.Status{Message: "quota exceeded"}}},
		}}}}
		rcv := &fakeReceiver{msgs: []*pubsub.Message{notification(jobName)}}

		_, err := risk.NewWaiter(jobs).AwaitNotified(t.Context(), jobName, rcv)
		var jf *model.JobFailedError
		require.ErrorAs(t, err, &jf)
		require.Equal(t, jobName, jf.Name)
		require.Equal(t, "FAILED", jf.State)
		require.Equal(t, "quota exceeded", jf.Reason)
	})

	t.Run("fetch error is terminal", func(t *testing.T) {
		t.Parallel()
		jobs := &fakeJobs{} // every fetch answers NotFound
		rcv := &fakeReceiver{msgs: []*pubsub.Message{notification(jobName)}}

		_, err := risk.NewWaiter(jobs).AwaitNotified(t.Context(), jobName, rcv)
		require.ErrorContains(t, err, "fetching job")
		require.Equal(t, 1, jobs.getCalls())
	})

	t.Run("transient fetch errors are retried", func(t *testing.T) {
		t.Parallel()
		synctest.Test(t, func(t *testing.T) {
			unavailable := status.Error(codes.Unavailable, "try again later")
			jobs := &fakeJobs{gets: []getResult{{err: unavailable}, {err: unavailable}, jobIn(dlppb.DlpJob_DONE)}}
			rcv := &fakeReceiver{msgs: []*pubsub.Message{notification(jobName)}}

			job, err := risk.NewWaiter(jobs).AwaitNotified(t.Context(), jobName, rcv)
			require.NoError(t, err)
			require.Equal(t, dlppb.DlpJob_DONE, job.GetState())
			require.Equal(t, 3, jobs.getCalls())
		})
	})

	t.Run("service unavailable after retries", func(t *testing.T) {
		t.Parallel()
		synctest.Test(t, func(t *testing.T) {
			jobs := &fakeJobs{gets: []getResult{{err: status.Error(codes.Unavailable, "backend overloaded")}}}
			rcv := &fakeReceiver{msgs: []*pubsub.Message{notification(jobName)}}

			_, err := risk.NewWaiter(jobs).AwaitNotified(t.Context(), jobName, rcv)
			require.ErrorIs(t, err, model.ErrServiceUnavailable)
			require.Equal(t, 3, jobs.getCalls())
		})
	})

	t.Run("notifications for other jobs are ignored", func(t *testing.T) {
		t.Parallel()
		synctest.Test(t, func(t *testing.T) {
			jobs := &fakeJobs{}
			rcv := &fakeReceiver{msgs: []*pubsub.Message{notification("projects/bricks/dlpJobs/other")}}

			start := time.Now()
			_, err := risk.NewWaiter(jobs).WithBudget(5*time.Second).AwaitNotified(t.Context(), jobName, rcv)
			require.ErrorIs(t, err, model.ErrWaitTimeout)
			require.Equal(t, 5*time.Second, time.Since(start))
			require.Equal(t, 0, jobs.getCalls())
		})
	})

	t.Run("budget runs out without any notification", func(t *testing.T) {
		t.Parallel()
		synctest.Test(t, func(t *testing.T) {
			jobs := &fakeJobs{}
			_, err := risk.NewWaiter(jobs).WithBudget(time.Minute).AwaitNotified(t.Context(), jobName, &fakeReceiver{})
			require.ErrorIs(t, err, model.ErrWaitTimeout)
			require.Equal(t, 0, jobs.getCalls())
		})
	})

	t.Run("receive failure", func(t *testing.T) {
		t.Parallel()
		jobs := &fakeJobs{}
		rcv := &fakeReceiver{err: status.Error(codes.PermissionDenied, "subscription gone")}

		_, err := risk.NewWaiter(jobs).AwaitNotified(t.Context(), jobName, rcv)
		require.ErrorContains(t, err, "receiving notifications")
		require.ErrorContains(t, err, "subscription gone")
	})

	t.Run("empty job name", func(t *testing.T) {
		t.Parallel()
		_, err := risk.NewWaiter(&fakeJobs{}).AwaitNotified(t.Context(), "", &fakeReceiver{})
		require.ErrorIs(t, err, model.ErrInvalidArgument)
	})
}

func TestWaiterAwaitPolled(t *testing.T) {
	t.Parallel()

	t.Run("done after two polls", func(t *testing.T) {
		t.Parallel()
		synctest.Test(t, func(t *testing.T) {
			jobs := &fakeJobs{gets: []getResult{jobIn(dlppb.DlpJob_RUNNING), jobIn(dlppb.DlpJob_RUNNING), jobIn(dlppb.DlpJob_DONE)}}

			start := time.Now()
			job, err := risk.NewWaiter(jobs).AwaitPolled(t.Context(), jobName)
			require.NoError(t, err)
			require.Equal(t, dlppb.DlpJob_DONE, job.GetState())
			require.Equal(t, 3, jobs.getCalls())
			require.Equal(t, 60*time.Second, time.Since(start))
		})
	})

	t.Run("failed job", func(t *testing.T) {
		t.Parallel()
		jobs := &fakeJobs{gets: []getResult{{job: &dlppb.DlpJob{Name: jobName, State: dlppb.DlpJob_CANCELED}}}}

		_, err := risk.NewWaiter(jobs).AwaitPolled(t.Context(), jobName)
		var jf *model.JobFailedError
		require.ErrorAs(t, err, &jf)
		require.Equal(t, "CANCELED", jf.State)
	})

	t.Run("attempts run out", func(t *testing.T) {
		t.Parallel()
		synctest.Test(t, func(t *testing.T) {
			jobs := &fakeJobs{gets: []getResult{jobIn(dlppb.DlpJob_RUNNING)}}

			start := time.Now()
			_, err := risk.NewWaiter(jobs).WithPolling(time.Second, 3).AwaitPolled(t.Context(), jobName)
			require.ErrorIs(t, err, model.ErrWaitTimeout)
			require.ErrorContains(t, err, "after 3 polls")
			require.Equal(t, 3, jobs.getCalls())
			require.Equal(t, 3*time.Second, time.Since(start))
		})
	})

	t.Run("context ends the wait", func(t *testing.T) {
		t.Parallel()
		synctest.Test(t, func(t *testing.T) {
			jobs := &fakeJobs{gets: []getResult{jobIn(dlppb.DlpJob_RUNNING)}}
			ctx, cancel := context.WithTimeout(t.Context(), 45*time.Second)
			defer cancel()

			_, err := risk.NewWaiter(jobs).AwaitPolled(ctx, jobName)
			require.ErrorIs(t, err, context.DeadlineExceeded)
		})
	})

	t.Run("empty job name", func(t *testing.T) {
		t.Parallel()
		_, err := risk.NewWaiter(&fakeJobs{}).AwaitPolled(t.Context(), "")
		require.ErrorIs(t, err, model.ErrInvalidArgument)
	})
}
