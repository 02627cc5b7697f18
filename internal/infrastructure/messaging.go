package infrastructure

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"example.com/backstage/services/branchops/config"
	"example.com/backstage/services/branchops/internal/core"
	"example.com/backstage/services/branchops/internal/metrics"
	"github.com/Azure/azure-sdk-for-go/sdk/messaging/azservicebus"
	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker/v2"
)

type messageSender interface {
	SendMessage(ctx context.Context, message *azservicebus.Message, options *azservicebus.SendMessageOptions) error
	Close(ctx context.Context) error
}

// Messaging publishes domain events to an Azure Service Bus queue behind a
// circuit breaker, so an unreachable bus costs one fast failure per event.
// With a spool attached, rejected events are kept on disk and replayed.
type Messaging struct {
	client  *azservicebus.Client
	sender  messageSender
	breaker *gobreaker.CircuitBreaker[struct{}]
	spool   *EventSpool
	logger  *logrus.Logger
}

func NewMessaging(cfg config.ServiceBusConfig, logger *logrus.Logger) (*Messaging, error) {
	client, err := azservicebus.NewClientFromConnectionString(cfg.ConnectionString, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create service bus client: %w", err)
	}

	sender, err := client.NewSender(cfg.QueueName, nil)
	if err != nil {
		client.Close(context.Background())
		return nil, fmt.Errorf("failed to create sender: %w", err)
	}

	m := newMessaging(sender, cfg, logger)
	m.client = client
	return m, nil
}

func newMessaging(sender messageSender, cfg config.ServiceBusConfig, logger *logrus.Logger) *Messaging {
	threshold := cfg.FailureThreshold
	if threshold == 0 {
		threshold = 5
	}

	settings := gobreaker.Settings{
		Name:        "service-bus",
		MaxRequests: 1,
		Timeout:     cfg.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			metrics.BreakerState.Set(float64(to))
			logger.WithFields(logrus.Fields{
				"breaker": name,
				"from":    from.String(),
				"to":      to.String(),
			}).Warn("Message bus circuit breaker changed state")
		},
	}

	return &Messaging{
		sender:  sender,
		breaker: gobreaker.NewCircuitBreaker[struct{}](settings),
		logger:  logger,
	}
}

// WithSpool attaches a spool for events the bus rejects.
func (m *Messaging) WithSpool(spool *EventSpool) *Messaging {
	m.spool = spool
	return m
}

// Publish implements core.EventPublisher.
func (m *Messaging) Publish(ctx context.Context, event core.Event) error {
	err := m.send(ctx, event)
	if err == nil || m.spool == nil {
		return err
	}

	if spoolErr := m.spool.Append(event); spoolErr != nil {
		return errors.Join(err, spoolErr)
	}
	m.logger.WithError(err).WithFields(logrus.Fields{
		"event_type": event.Type,
		"subject":    event.Subject,
	}).Warn("Message bus unavailable, event spooled")
	return nil
}

func (m *Messaging) send(ctx context.Context, event core.Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	subject := event.Type
	contentType := "application/json"
	msg := &azservicebus.Message{
		Body:        data,
		Subject:     &subject,
		ContentType: &contentType,
		ApplicationProperties: map[string]interface{}{
			"event_type": event.Type,
			"subject":    event.Subject,
			"timestamp":  event.OccurredAt.Unix(),
		},
	}

	_, err = m.breaker.Execute(func() (struct{}, error) {
		return struct{}{}, m.sender.SendMessage(ctx, msg, nil)
	})
	metrics.RecordEvent(event.Type, err)
	if err != nil {
		return fmt.Errorf("failed to publish %s: %w", event.Type, err)
	}
	return nil
}

// Replay sends spooled events to the bus. It does nothing while the breaker is open.
func (m *Messaging) Replay(ctx context.Context) (DrainStats, error) {
	if m.spool == nil || m.breaker.State() == gobreaker.StateOpen {
		return DrainStats{}, nil
	}
	return m.spool.Drain(ctx, m.send)
}

// RunReplay calls Replay every interval until ctx is done.
func (m *Messaging) RunReplay(ctx context.Context, interval time.Duration) {
	if m.spool == nil || interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats, err := m.Replay(ctx)
			if err != nil {
				m.logger.WithError(err).Error("Failed to replay spooled events")
				continue
			}
			if stats.Sent > 0 || stats.Discarded > 0 {
				m.logger.WithFields(logrus.Fields{
					"sent":      stats.Sent,
					"retained":  stats.Retained,
					"discarded": stats.Discarded,
				}).Info("Replayed spooled events")
			}
		}
	}
}

// StartReplay runs RunReplay in the background. The returned stop cancels it
// and waits for a drain in progress, after which the spool may be closed.
func (m *Messaging) StartReplay(interval time.Duration) (stop func()) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		m.RunReplay(ctx, interval)
	}()
	return func() {
		cancel()
		<-done
	}
}

// State reports the breaker state for health output.
func (m *Messaging) State() string {
	return m.breaker.State().String()
}

func (m *Messaging) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if m.sender != nil {
		if err := m.sender.Close(ctx); err != nil {
			return err
		}
	}

	if m.client != nil {
		return m.client.Close(ctx)
	}

	return nil
}

// LogPublisher writes events to the log when no message bus is configured.
type LogPublisher struct {
	logger *logrus.Logger
}

func NewLogPublisher(logger *logrus.Logger) *LogPublisher {
	return &LogPublisher{logger: logger}
}

func (p *LogPublisher) Publish(_ context.Context, event core.Event) error {
	fields := logrus.Fields{
		"event_type": event.Type,
		"subject":    event.Subject,
	}
	// Reset tokens stay out of the log.
	if event.Type != core.EventPasswordResetRequested {
		fields["data"] = event.Data
	}
	p.logger.WithFields(fields).Info("Domain event")
	metrics.RecordEvent(event.Type, nil)
	return nil
}
