package memory

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublisherStoresMessages(t *testing.T) {
	t.Parallel()

	pub := New()
	id1, err := pub.Publish(context.Background(), "entity-ingested", map[string]string{"k": "v"})
	require.NoError(t, err)
	assert.Equal(t, "memory-1", id1)
	id2, err := pub.Publish(context.Background(), "run-completed", "payload")
	require.NoError(t, err)
	assert.Equal(t, "memory-2", id2)

	msgs := pub.Messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, "entity-ingested", msgs[0].Topic)
	assert.Equal(t, []any{"payload"}, pub.Topic("run-completed"))

	msgs[0].Topic = "modified"
	assert.Equal(t, "entity-ingested", pub.Messages()[0].Topic, "Messages returns a copy")
}

func TestPublisherConcurrentPublish(t *testing.T) {
	t.Parallel()

	pub := New()
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := pub.Publish(context.Background(), "t", i)
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()
	assert.Len(t, pub.Topic("t"), 20)
}
