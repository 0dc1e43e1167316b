package notify_test

import (
	"context"
	"testing"
	"time"

	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/pubsub/pstest"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/option"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/reidlabs/gauge/internal/notify"
)

func newClient(t *testing.T) (*pubsub.Client, *pstest.Server) {
	t.Helper()

	srv := pstest.NewServer()
	t.Cleanup(func() { _ = srv.Close() })

	conn, err := grpc.NewClient(srv.Addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	client, err := pubsub.NewClient(t.Context(), "bricks", option.WithGRPCConn(conn))
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	return client, srv
}

func TestChannelOpenClose(t *testing.T) {
	t.Parallel()
	client, _ := newClient(t)

	ch, err := notify.Open(t.Context(), client, "gauge")
	require.NoError(t, err)

	require.Regexp(t, `^projects/bricks/topics/gauge-[0-9a-f]{8}$`, ch.TopicName())
	require.NotNil(t, ch.Subscription())

	require.NoError(t, ch.Close(t.Context()))
	require.NoError(t, ch.Close(t.Context()), "closing an already deleted pair")
}

func TestChannelDefaultPrefix(t *testing.T) {
	t.Parallel()
	client, _ := newClient(t)

	ch, err := notify.Open(t.Context(), client, "")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ch.Close(context.Background()) })

	require.Regexp(t, `^projects/bricks/topics/gauge-`, ch.TopicName())
}

func TestChannelDelivers(t *testing.T) {
	t.Parallel()
	client, srv := newClient(t)

	ch, err := notify.Open(t.Context(), client, "gauge")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ch.Close(context.Background()) })

	const jobName = "projects/bricks/dlpJobs/r-42"
	srv.Publish(ch.TopicName(), nil, map[string]string{"DlpJobName": jobName})

	ctx, cancel := context.WithTimeout(t.Context(), 30*time.Second)
	defer cancel()

	var got string
	err = ch.Subscription().Receive(ctx, func(_ context.Context, m *pubsub.Message) {
		got = m.Attributes["DlpJobName"]
		m.Ack()
		cancel()
	})
	require.NoError(t, err)
	require.Equal(t, jobName, got)
}
