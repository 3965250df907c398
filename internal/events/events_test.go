package events

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBus_DeliversInPublishOrder(t *testing.T) {
	bus := NewBus(4)
	ctx := context.Background()

	for _, s := range []string{"a", "b", "c"} {
		require.NoError(t, bus.Publish(ctx, Event{Kind: KindFragment, ConversationID: "conv", Content: s}))
	}

	for _, want := range []string{"a", "b", "c"} {
		ev := <-bus.Events()
		assert.Equal(t, want, ev.Content)
		assert.Equal(t, "conv", ev.ConversationID)
	}
}

func TestBus_PublishGivesUpWhenContextEnds(t *testing.T) {
	bus := NewBus(0)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := bus.Publish(ctx, Event{Kind: KindCompletion})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestKind_String(t *testing.T) {
	assert.Equal(t, "fragment", KindFragment.String())
	assert.Equal(t, "completion", KindCompletion.String())
	assert.Equal(t, "full_message", KindFullMessage.String())
}
