// Package kafka connects the snapshot event consumer and the alert event producer to the brokers.
package kafka

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff"
	events "github.com/ortelius/pdvd-vulncorr/events/modules/snapshots"
	"github.com/ortelius/pdvd-vulncorr/internal/config"
	"github.com/segmentio/kafka-go"
	"github.com/segmentio/kafka-go/sasl/plain"
	"go.uber.org/zap"
)

const handleRetries = 3

// NewDialer configures SASL/PLAIN over TLS when credentials are set, else a
// plain dialer for local development
func NewDialer(cfg config.KafkaConfig) *kafka.Dialer {
	dialer := &kafka.Dialer{
		Timeout:   10 * time.Second,
		DualStack: true,
	}
	if cfg.APIKey != "" && cfg.APISecret != "" {
		dialer.SASLMechanism = plain.Mechanism{
			Username: cfg.APIKey,
			Password: cfg.APISecret,
		}
		dialer.TLS = &tls.Config{}
	}
	return dialer
}

// NewTransport is the producer side of NewDialer. It is nil without credentials.
func NewTransport(cfg config.KafkaConfig) kafka.RoundTripper {
	if cfg.APIKey == "" || cfg.APISecret == "" {
		return nil
	}
	return &kafka.Transport{
		SASL: plain.Mechanism{
			Username: cfg.APIKey,
			Password: cfg.APISecret,
		},
		TLS: &tls.Config{},
	}
}

// Processor consumes snapshot.submitted events
type Processor struct {
	cfg     config.KafkaConfig
	fetcher events.SBOMFetcher
	service events.SnapshotService
	logger  *zap.Logger
}

// NewProcessor creates the consumer. fetcher may be nil when events never
// carry SBOM references.
func NewProcessor(cfg config.KafkaConfig, fetcher events.SBOMFetcher, service events.SnapshotService, logger *zap.Logger) *Processor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Processor{cfg: cfg, fetcher: fetcher, service: service, logger: logger}
}

// Run checks the broker is reachable, then consumes in the background until
// ctx is done. The returned channel closes when the consumer stops.
func (p *Processor) Run(ctx context.Context) (<-chan struct{}, error) {
	if len(p.cfg.Brokers) == 0 {
		return nil, errors.New("no kafka brokers configured")
	}
	dialer := NewDialer(p.cfg)

	// Retry logic: 3 tries
	attempt := 0
	bo := backoff.WithContext(backoff.WithMaxRetries(backoff.NewConstantBackOff(2*time.Second), 2), ctx)
	err := backoff.Retry(func() error {
		attempt++
		p.logger.Sugar().Infof("Kafka connection attempt %d/3...", attempt)
		conn, err := dialer.DialContext(ctx, "tcp", p.cfg.Brokers[0])
		if err != nil {
			return err
		}
		return conn.Close()
	}, bo)
	if err != nil {
		return nil, fmt.Errorf("failed to reach kafka broker %s: %w", p.cfg.Brokers[0], err)
	}

	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  p.cfg.Brokers,
		GroupID:  p.cfg.GroupID,
		Topic:    p.cfg.SnapshotTopic,
		MaxBytes: 10e6,
		Dialer:   dialer,
	})

	done := make(chan struct{})
	go func() {
		defer close(done)
		defer reader.Close()

		p.logger.Sugar().Infof("Kafka event processor started. Listening on %s...", p.cfg.SnapshotTopic)
		for {
			msg, err := reader.FetchMessage(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				p.logger.Sugar().Warnf("Failed to read from %s: %v", p.cfg.SnapshotTopic, err)
				continue
			}

			p.handle(ctx, msg)

			if err := reader.CommitMessages(ctx, msg); err != nil && ctx.Err() == nil {
				p.logger.Sugar().Warnf("Failed to commit offset %d: %v", msg.Offset, err)
			}
		}
	}()
	return done, nil
}

// handle processes one message. Invalid events are dropped; other failures
// are retried a few times before the message is skipped.
func (p *Processor) handle(ctx context.Context, msg kafka.Message) {
	var invalid error
	bo := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), handleRetries), ctx)
	err := backoff.RetryNotify(func() error {
		err := events.HandleSnapshotSubmitted(ctx, msg.Value, p.fetcher, p.service, p.logger)
		if errors.Is(err, events.ErrInvalidEvent) {
			invalid = err
			return nil
		}
		return err
	}, bo, func(err error, d time.Duration) {
		p.logger.Sugar().Warnf("Snapshot event at offset %d failed, retrying in %s: %v", msg.Offset, d, err)
	})
	if invalid != nil {
		err = invalid
	}
	if err != nil {
		p.logger.Sugar().Errorf("Dropping snapshot event at offset %d: %v", msg.Offset, err)
	}
}
