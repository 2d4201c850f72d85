package sinks

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/baseddata-vacuum/internal/ingest"
	"github.com/JakeFAU/baseddata-vacuum/internal/progress"
)

// PublisherSink forwards run-level events to a message bus. Page events are
// dropped unless IncludePages is set; they are too chatty for most consumers.
type PublisherSink struct {
	publisher    ingest.Publisher
	topic        string
	includePages bool
	logger       *zap.Logger
}

// PublisherConfig configures a PublisherSink.
type PublisherConfig struct {
	Topic        string
	IncludePages bool
}

// NewPublisherSink builds a PublisherSink.
func NewPublisherSink(pub ingest.Publisher, cfg PublisherConfig, logger *zap.Logger) (*PublisherSink, error) {
	if pub == nil {
		return nil, fmt.Errorf("publisher is required")
	}
	if cfg.Topic == "" {
		return nil, fmt.Errorf("topic is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PublisherSink{
		publisher:    pub,
		topic:        cfg.Topic,
		includePages: cfg.IncludePages,
		logger:       logger,
	}, nil
}

// Consume publishes each event; failures are joined and returned after the
// whole batch is attempted.
func (s *PublisherSink) Consume(ctx context.Context, batch []progress.Event) error {
	var errs []error
	for _, evt := range batch {
		if evt.Stage == progress.StagePageDone && !s.includePages {
			continue
		}
		id, err := s.publisher.Publish(ctx, s.topic, evt)
		if err != nil {
			errs = append(errs, fmt.Errorf("publish %s for run %s: %w", evt.Stage, evt.RunID, err))
			continue
		}
		s.logger.Debug("published run event",
			zap.String("stage", string(evt.Stage)),
			zap.String("run_id", evt.RunID.String()),
			zap.String("message_id", id))
	}
	return errors.Join(errs...)
}

// Close implements progress.Sink.
func (s *PublisherSink) Close(context.Context) error {
	return nil
}
