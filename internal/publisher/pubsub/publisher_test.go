package pubsub

import (
	"context"
	"encoding/json"
	"testing"

	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/pubsub/pstest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/option"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

func newTestClient(t *testing.T) (*pubsub.Client, *pstest.Server) {
	t.Helper()
	srv := pstest.NewServer()
	t.Cleanup(func() { _ = srv.Close() })

	client, err := pubsub.NewClient(context.Background(), "test-project",
		option.WithEndpoint(srv.Addr),
		option.WithoutAuthentication(),
		option.WithGRPCDialOption(grpc.WithTransportCredentials(insecure.NewCredentials())),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	return client, srv
}

func TestPublishSendsJSON(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	client, srv := newTestClient(t)
	_, err := client.CreateTopic(ctx, "entity-ingested")
	require.NoError(t, err)

	pub := New(client)
	defer pub.Close()

	id, err := pub.Publish(ctx, "entity-ingested", map[string]any{"entity": "Kevin Agudelo", "stored": 1})
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	msgs := srv.Messages()
	require.Len(t, msgs, 1)
	var got map[string]any
	require.NoError(t, json.Unmarshal(msgs[0].Data, &got))
	assert.Equal(t, "Kevin Agudelo", got["entity"])
	assert.Equal(t, "application/json", msgs[0].Attributes["content-type"])
}

func TestPublishValidation(t *testing.T) {
	t.Parallel()

	_, err := New(nil).Publish(context.Background(), "t", "x")
	require.Error(t, err)

	client, _ := newTestClient(t)
	pub := New(client)
	_, err = pub.Publish(context.Background(), "", "x")
	require.Error(t, err)
	_, err = pub.Publish(context.Background(), "t", func() {})
	require.Error(t, err, "unmarshalable payload")
}
