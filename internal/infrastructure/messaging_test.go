package infrastructure

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"example.com/backstage/services/branchops/config"
	"example.com/backstage/services/branchops/internal/core"
	"github.com/Azure/azure-sdk-for-go/sdk/messaging/azservicebus"
	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSender struct {
	mu    sync.Mutex
	err   error
	sent  []*azservicebus.Message
	calls int
}

func (f *fakeSender) SendMessage(_ context.Context, msg *azservicebus.Message, _ *azservicebus.SendMessageOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, msg)
	return nil
}

func (f *fakeSender) Close(context.Context) error { return nil }

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func TestMessagingPublish(t *testing.T) {
	sender := &fakeSender{}
	m := newMessaging(sender, config.ServiceBusConfig{FailureThreshold: 3, OpenTimeout: time.Minute}, testLogger())

	event := core.Event{
		Type:       core.EventDeviceRegistered,
		Subject:    "42",
		OccurredAt: time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC),
		Data:       map[string]string{"mac_address": "AA:BB:CC:DD:EE:FF"},
	}
	require.NoError(t, m.Publish(context.Background(), event))

	require.Len(t, sender.sent, 1)
	msg := sender.sent[0]
	assert.Equal(t, core.EventDeviceRegistered, *msg.Subject)
	assert.Equal(t, "42", msg.ApplicationProperties["subject"])

	var decoded core.Event
	require.NoError(t, json.Unmarshal(msg.Body, &decoded))
	assert.Equal(t, event.Type, decoded.Type)
}

func TestMessagingBreakerOpens(t *testing.T) {
	sender := &fakeSender{err: errors.New("bus unreachable")}
	m := newMessaging(sender, config.ServiceBusConfig{FailureThreshold: 2, OpenTimeout: time.Minute}, testLogger())
	ctx := context.Background()
	event := core.Event{Type: core.EventComplaintCreated, Subject: "c1"}

	assert.Error(t, m.Publish(ctx, event))
	assert.Error(t, m.Publish(ctx, event))
	assert.Equal(t, gobreaker.StateOpen.String(), m.State())

	err := m.Publish(ctx, event)
	assert.ErrorIs(t, err, gobreaker.ErrOpenState)
	assert.Equal(t, 2, sender.calls, "open breaker does not reach the bus")
}

func TestMessagingSpoolsAndReplays(t *testing.T) {
	spool, err := NewEventSpool(t.TempDir()+"/events.jsonl", 0, 3)
	require.NoError(t, err)
	defer spool.Close()

	sender := &fakeSender{err: errors.New("bus unreachable")}
	m := newMessaging(sender, config.ServiceBusConfig{FailureThreshold: 5, OpenTimeout: time.Minute}, testLogger()).WithSpool(spool)
	ctx := context.Background()

	require.NoError(t, m.Publish(ctx, core.Event{Type: core.EventDeploymentCreated, Subject: "d1"}))
	assert.Equal(t, 1, spool.Len())

	sender.mu.Lock()
	sender.err = nil
	sender.mu.Unlock()

	stats, err := m.Replay(ctx)
	require.NoError(t, err)
	assert.Equal(t, DrainStats{Sent: 1}, stats)
	assert.Equal(t, 0, spool.Len())
	require.Len(t, sender.sent, 1)
	assert.Equal(t, core.EventDeploymentCreated, *sender.sent[0].Subject)
}

func TestReplaySkippedWhileBreakerOpen(t *testing.T) {
	spool, err := NewEventSpool(t.TempDir()+"/events.jsonl", 0, 3)
	require.NoError(t, err)
	defer spool.Close()

	sender := &fakeSender{err: errors.New("bus unreachable")}
	m := newMessaging(sender, config.ServiceBusConfig{FailureThreshold: 1, OpenTimeout: time.Minute}, testLogger()).WithSpool(spool)
	ctx := context.Background()

	require.NoError(t, m.Publish(ctx, core.Event{Type: core.EventComplaintCreated}))
	require.Equal(t, gobreaker.StateOpen.String(), m.State())

	stats, err := m.Replay(ctx)
	require.NoError(t, err)
	assert.Zero(t, stats.Sent)
	assert.Equal(t, 1, spool.Len())
	assert.Equal(t, 1, sender.calls)
}

type gatedSender struct {
	entered chan struct{}
	release chan struct{}
}

func (g *gatedSender) SendMessage(context.Context, *azservicebus.Message, *azservicebus.SendMessageOptions) error {
	select {
	case g.entered <- struct{}{}:
	default:
	}
	<-g.release
	return nil
}

func (g *gatedSender) Close(context.Context) error { return nil }

func TestStopReplayWaitsForDrain(t *testing.T) {
	spool, err := NewEventSpool(t.TempDir()+"/events.jsonl", 0, 3)
	require.NoError(t, err)
	require.NoError(t, spool.Append(core.Event{Type: core.EventComplaintCreated, Subject: "c1"}))

	sender := &gatedSender{entered: make(chan struct{}, 1), release: make(chan struct{})}
	m := newMessaging(sender, config.ServiceBusConfig{FailureThreshold: 3, OpenTimeout: time.Minute}, testLogger()).WithSpool(spool)
	stop := m.StartReplay(5 * time.Millisecond)

	select {
	case <-sender.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("replay never reached the bus")
	}

	stopped := make(chan struct{})
	go func() {
		stop()
		close(stopped)
	}()

	select {
	case <-stopped:
		t.Fatal("stop returned while a drain was in progress")
	case <-time.After(50 * time.Millisecond):
	}

	close(sender.release)
	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("stop did not return after the drain finished")
	}

	assert.Equal(t, 0, spool.Len())
	require.NoError(t, spool.Close())
}
