package queue

import (
	"encoding/json"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBackoffDelay(t *testing.T) {
	base := 30 * time.Second

	tests := []struct {
		attemptsMade int
		want         time.Duration
	}{
		{1, 30 * time.Second},
		{2, 60 * time.Second},
		{3, 120 * time.Second},
		{0, 30 * time.Second},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, backoffDelay(base, tt.attemptsMade),
			"attemptsMade=%d", tt.attemptsMade)
	}
}

func TestBackoffDelayCapped(t *testing.T) {
	got := backoffDelay(30*time.Second, 20)
	assert.Equal(t, time.Hour, got)
}

func TestMessageRoundTrip(t *testing.T) {
	body, err := json.Marshal(Message{GenerationRequestID: "req-42"})
	require.NoError(t, err)

	var m Message
	require.NoError(t, json.Unmarshal(body, &m))
	assert.Equal(t, "req-42", m.GenerationRequestID)
}

func TestAttemptOf(t *testing.T) {
	tests := []struct {
		name    string
		headers amqp.Table
		want    int
	}{
		{"nil headers", nil, 1},
		{"missing header", amqp.Table{}, 1},
		{"int32", amqp.Table{attemptHeader: int32(2)}, 2},
		{"int64", amqp.Table{attemptHeader: int64(3)}, 3},
		{"unexpected type", amqp.Table{attemptHeader: "2"}, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := attemptOf(amqp.Delivery{Headers: tt.headers})
			assert.Equal(t, tt.want, got)
		})
	}
}
