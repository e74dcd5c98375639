package queue

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConversationQueueOneAtATime(t *testing.T) {
	cq := NewConversationQueue("c1")
	u1 := &CombinedUnit{ID: "u1", ConversationID: "c1"}
	u2 := &CombinedUnit{ID: "u2", ConversationID: "c1"}
	require.NoError(t, cq.Enqueue(u1))
	require.NoError(t, cq.Enqueue(u2))

	assert.Same(t, u1, cq.Dequeue())
	assert.True(t, cq.IsProcessing())
	assert.Nil(t, cq.Dequeue(), "second unit waits for the first")

	assert.False(t, cq.Complete("u2"))
	assert.True(t, cq.Complete("u1"))
	assert.Same(t, u2, cq.Dequeue())
	assert.True(t, cq.Complete("u2"))
	assert.True(t, cq.Idle())
}

func TestConversationQueueRejectsForeignUnit(t *testing.T) {
	cq := NewConversationQueue("c1")
	assert.Error(t, cq.Enqueue(&CombinedUnit{ID: "u1", ConversationID: "c2"}))
	assert.Error(t, cq.Enqueue(nil))
	assert.True(t, cq.IsEmpty())
}

func TestConversationQueueQueuedAndDrain(t *testing.T) {
	cq := NewConversationQueue("c1")
	for _, id := range []string{"u1", "u2", "u3"} {
		require.NoError(t, cq.Enqueue(&CombinedUnit{ID: id, ConversationID: "c1"}))
	}
	running := cq.Dequeue()
	require.NotNil(t, running)

	queued := cq.Queued()
	require.Len(t, queued, 2)
	assert.Equal(t, "u2", queued[0].ID)
	assert.Equal(t, 2, cq.Size(), "Queued does not remove")

	drained := cq.Drain()
	require.Len(t, drained, 2)
	assert.Equal(t, "u3", drained[1].ID)
	assert.True(t, cq.IsEmpty())
	assert.False(t, cq.Idle(), "u1 is still processing")
}
