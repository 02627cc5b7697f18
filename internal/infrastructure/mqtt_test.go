package infrastructure

import (
	"context"
	"testing"

	"example.com/backstage/services/branchops/config"
	"example.com/backstage/services/branchops/internal/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMessageTypeOf(t *testing.T) {
	tests := map[string]string{
		"branchops/heartbeat/AA:BB:CC:DD:EE:FF": MessageHeartbeat,
		"branchops/heartbeat":                   MessageHeartbeat,
		"branchops/heartbeats/x":                MessageUnknown,
		"devices/1/telemetry":                   MessageUnknown,
	}
	for topic, want := range tests {
		assert.Equal(t, want, messageTypeOf(topic), topic)
	}
}

func TestHeartbeatHandler(t *testing.T) {
	queue := core.NewHeartbeatQueue(nil, testLogger(), 1)
	handle := HeartbeatHandler(queue)
	ctx := context.Background()

	assert.Error(t, handle(ctx, "branchops/heartbeat/x", []byte("{not json")))

	require.NoError(t, handle(ctx, "branchops/heartbeat/AA:BB:CC:DD:EE:FF", []byte(`{"ip_address":"10.0.0.5"}`)))
	assert.Equal(t, 1, queue.Stats()["queue_depth"])

	err := handle(ctx, "branchops/heartbeat/AA:BB:CC:DD:EE:FF", []byte(`{"ip_address":"10.0.0.5"}`))
	assert.ErrorIs(t, err, core.ErrQueueFull)
}

func TestSubscriberDispatchesByType(t *testing.T) {
	sub, err := NewMQTTSubscriber(config.MQTTConfig{BrokerURL: "tcp://localhost:1883"}, testLogger())
	require.NoError(t, err)

	var got []string
	sub.RegisterHandler(MessageHeartbeat, func(_ context.Context, topic string, payload []byte) error {
		got = append(got, topic+"|"+string(payload))
		return nil
	})

	sub.dispatch("branchops/heartbeat/AA", []byte("{}"))
	sub.dispatch("other/topic", []byte("{}"))
	assert.Equal(t, []string{"branchops/heartbeat/AA|{}"}, got)

	_, err = NewMQTTSubscriber(config.MQTTConfig{}, testLogger())
	assert.Error(t, err)
}
