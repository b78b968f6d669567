package kafka

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/outbox-relay/internal/domain"
)

func TestEnvelopeShape(t *testing.T) {
	created := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	b, err := json.Marshal(envelope{
		TrackingID:    "trk-1",
		AggregateID:   "order-9",
		AggregateType: "order",
		EventType:     "order.created",
		Payload:       map[string]any{"total": 10.5},
		CreatedAt:     created,
	})
	require.NoError(t, err)

	var out map[string]any
	require.NoError(t, json.Unmarshal(b, &out))
	assert.Equal(t, "trk-1", out["tracking_id"])
	assert.Equal(t, "order.created", out["event_type"])
	assert.NotContains(t, out, "metadata", "empty metadata is omitted")
}

func TestPublish_MarshalFailureIsPermanent(t *testing.T) {
	p := &Publisher{}
	err := p.Publish(t.Context(), domain.Event{
		TrackingID: "trk-1",
		EventType:  "order.created",
		Payload:    map[string]any{"bad": func() {}},
	})
	require.Error(t, err)
	assert.True(t, domain.IsPermanent(err))
}

func TestCreateTopicValidation(t *testing.T) {
	err := createTopicIfNotExists(t.Context(), nil, "", 1, 1)
	assert.ErrorContains(t, err, "topic name cannot be empty")

	err = createTopicIfNotExists(t.Context(), nil, "t", 0, 1)
	assert.ErrorContains(t, err, "partitions")

	err = createTopicIfNotExists(t.Context(), nil, "t", 1, 0)
	assert.ErrorContains(t, err, "replication factor")
}
