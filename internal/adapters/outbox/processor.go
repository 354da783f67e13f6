package outbox

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/architeacher/svc-messaging/internal/config"
	"github.com/architeacher/svc-messaging/internal/domain"
	"github.com/architeacher/svc-messaging/internal/infrastructure"
	"github.com/architeacher/svc-messaging/internal/ports"
	"github.com/architeacher/svc-messaging/internal/usecases"
	"github.com/architeacher/svc-messaging/internal/usecases/commands"
	"github.com/architeacher/svc-messaging/internal/usecases/queries"
)

const (
	defaultInterval  = 5 * time.Second
	defaultBatchSize = 50
)

var _ ports.BackgroundProcessor = (*Processor)(nil)

// Processor replays parked publish requests on a fixed interval.
type Processor struct {
	app       *usecases.OutboxApplication
	interval  time.Duration
	batchSize int
	logger    infrastructure.Logger
}

func NewProcessor(
	app *usecases.OutboxApplication,
	cfg config.OutboxConfig,
	logger infrastructure.Logger,
) *Processor {
	p := &Processor{
		app:       app,
		interval:  cfg.Interval,
		batchSize: cfg.BatchSize,
		logger:    logger,
	}

	if p.interval <= 0 {
		p.interval = defaultInterval
	}

	if p.batchSize <= 0 {
		p.batchSize = defaultBatchSize
	}

	return p
}

func (p *Processor) Start(ctx context.Context) error {
	p.logger.Info().Dur("interval", p.interval).Msg("starting outbox processor")

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			p.logger.Info().Msg("outbox processor shutting down")

			return ctx.Err()

		case <-ticker.C:
			if err := p.processEntries(ctx); err != nil {
				p.logger.Error().Err(err).Msg("failed to process outbox entries")
			}
		}
	}
}

// processEntries replays one batch. Entries sharing a topic and partition key are replayed in
// order; independent streams run concurrently.
func (p *Processor) processEntries(ctx context.Context) error {
	entries, err := p.app.Queries.FetchOutboxEntriesQueryHandler.Execute(ctx, queries.FetchOutboxEntriesQuery{
		BatchSize: p.batchSize,
	})
	if len(entries) == 0 {
		return err
	}

	p.logger.Debug().Int("count", len(entries)).Msg("replaying outbox entries")

	var wg sync.WaitGroup

	for _, stream := range groupByStream(entries) {
		wg.Go(func() {
			for _, entry := range stream {
				if _, replayErr := p.app.Commands.ReplayOutboxEntryHandler.Handle(ctx, commands.ReplayOutboxEntryCommand{
					Entry: entry,
				}); replayErr != nil {
					p.logger.Error().
						Err(replayErr).
						Str("entry_id", entry.ID.String()).
						Str("topic", entry.Request.Topic).
						Msg("failed to replay outbox entry")
				}
			}
		})
	}

	wg.Wait()

	return err
}

type streamKey struct {
	topic        string
	partitionKey string
}

func groupByStream(entries []*domain.OutboxEntry) [][]*domain.OutboxEntry {
	index := make(map[streamKey]int)

	var streams [][]*domain.OutboxEntry

	for _, entry := range entries {
		if entry == nil {
			continue
		}

		key := streamKey{topic: entry.Request.Topic, partitionKey: entry.Request.PartitionKey}

		i, ok := index[key]
		if !ok {
			i = len(streams)
			index[key] = i
			streams = append(streams, nil)
		}

		streams[i] = append(streams[i], entry)
	}

	return streams
}

// Drain replays everything still parked, used on shutdown when the broker is reachable again.
func (p *Processor) Drain(ctx context.Context) error {
	var errs []error

	for ctx.Err() == nil {
		entries, err := p.app.Queries.FetchOutboxEntriesQueryHandler.Execute(ctx, queries.FetchOutboxEntriesQuery{
			BatchSize: p.batchSize,
		})
		if err != nil {
			errs = append(errs, err)
		}

		if len(entries) == 0 {
			break
		}

		for _, entry := range entries {
			result, replayErr := p.app.Commands.ReplayOutboxEntryHandler.Handle(ctx, commands.ReplayOutboxEntryCommand{Entry: entry})
			if replayErr != nil {
				errs = append(errs, replayErr)
			}

			// A requeued entry means the broker is still unreachable; stop instead of spinning.
			if result != nil && result.Outcome == domain.ReplayRequeued {
				return errors.Join(errs...)
			}
		}
	}

	return errors.Join(errs...)
}
