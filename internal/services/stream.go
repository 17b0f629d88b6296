package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/guregu/null"
	"github.com/sirupsen/logrus"

	"github.com/symmbot/blocksync/internal/clients/bluesky"
	"github.com/symmbot/blocksync/internal/data"
	"github.com/symmbot/blocksync/internal/feed"
	"github.com/symmbot/blocksync/internal/metrics"
	"github.com/symmbot/blocksync/internal/store"
)

// Feed-event outcomes, for metrics.
const (
	feedOutcomeApplied   = "applied"
	feedOutcomeIgnored   = "ignored"
	feedOutcomeMalformed = "malformed"
)

// ErrStreamDegraded is returned when the consumer gives up reconnecting.
var ErrStreamDegraded = errors.New("event stream degraded after repeated reconnect failures")

// StreamConsumer keeps one identity's slice of the real-time event feed
// applied to the ledger. Delivery is at-least-once: the cursor is persisted
// only after the event's effect is durable, so a crash replays rather than
// drops, and the idempotent ledger absorbs replays.
type StreamConsumer interface {
	Run(ctx context.Context, identity *store.Identity) error
}

type streamConsumer struct {
	subscriber     feed.Subscriber
	identities     store.IdentityStore
	ledger         BlockLedger
	metricsService metrics.MetricsService

	maxReconnectAttempts int
	reconnectBaseDelay   time.Duration
	maxReconnectDelay    time.Duration
}

var _ StreamConsumer = (*streamConsumer)(nil)

func NewStreamConsumer(
	subscriber feed.Subscriber,
	identities store.IdentityStore,
	ledger BlockLedger,
	metricsService metrics.MetricsService,
) *streamConsumer {
	return &streamConsumer{
		subscriber:           subscriber,
		identities:           identities,
		ledger:               ledger,
		metricsService:       metricsService,
		maxReconnectAttempts: 10,
		reconnectBaseDelay:   time.Second,
		maxReconnectDelay:    time.Minute,
	}
}

// Run consumes the identity's event feed until ctx is done or reconnection
// attempts are exhausted. Every (re)subscription resumes from the persisted
// cursor.
func (s *streamConsumer) Run(ctx context.Context, identity *store.Identity) error {
	log := logrus.WithField("handle", identity.Handle)

	attempts := 0
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		cursor, err := s.identities.GetCursor(ctx, identity.ID)
		if err != nil {
			return fmt.Errorf("loading stream cursor for %s: %w", identity.Handle, err)
		}

		stream, err := s.subscriber.Subscribe(ctx, feed.SubscribeOptions{
			Cursor:      cursor,
			Collections: []string{bluesky.CollectionBlock},
			DIDs:        []string{identity.DID},
		})
		if err != nil {
			attempts++
			if attempts >= s.maxReconnectAttempts {
				return fmt.Errorf("subscribing feed for %s after %d attempts: %w (%w)",
					identity.Handle, attempts, err, ErrStreamDegraded)
			}
			delay := s.reconnectDelay(attempts)
			log.WithError(err).Warnf("feed subscription failed, reconnecting in %s (attempt %d/%d)",
				delay, attempts, s.maxReconnectAttempts)
			if sleepErr := sleepCtx(ctx, delay); sleepErr != nil {
				return sleepErr
			}
			continue
		}

		consumeErr := s.consume(ctx, identity, stream, &attempts)
		if closeErr := stream.Close(); closeErr != nil {
			log.WithError(closeErr).Debug("closing feed stream")
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		attempts++
		if attempts >= s.maxReconnectAttempts {
			return fmt.Errorf("feed for %s dropped after %d attempts: %w (%w)",
				identity.Handle, attempts, consumeErr, ErrStreamDegraded)
		}
		delay := s.reconnectDelay(attempts)
		log.WithError(consumeErr).Warnf("feed connection dropped, reconnecting in %s (attempt %d/%d)",
			delay, attempts, s.maxReconnectAttempts)
		if sleepErr := sleepCtx(ctx, delay); sleepErr != nil {
			return sleepErr
		}
	}
}

// consume reads events until the connection drops. A successfully applied
// event resets the reconnect counter.
func (s *streamConsumer) consume(ctx context.Context, identity *store.Identity, stream feed.Stream, attempts *int) error {
	for {
		event, err := stream.Next(ctx)

		var malformed *feed.MalformedEventError
		if errors.As(err, &malformed) {
			// A bad envelope must not wedge the subscription: log, advance
			// past it when its position is recoverable, keep reading.
			s.metricsService.IncFeedEvent(identity.Handle, feedOutcomeMalformed)
			logrus.WithField("handle", identity.Handle).
				WithError(malformed).Warn("skipping malformed feed event")
			if malformed.Cursor.Valid {
				if saveErr := s.saveCursor(ctx, identity, malformed.Cursor.Int64); saveErr != nil {
					return saveErr
				}
			}
			continue
		}
		if err != nil {
			return err
		}

		outcome, err := s.applyEvent(ctx, identity, event)
		if err != nil {
			return fmt.Errorf("applying feed event at %d for %s: %w", event.TimeUS, identity.Handle, err)
		}
		s.metricsService.IncFeedEvent(identity.Handle, outcome)

		// Cursor moves only after the event's effect is durable.
		if err := s.saveCursor(ctx, identity, event.TimeUS); err != nil {
			return err
		}
		*attempts = 0
	}
}

func (s *streamConsumer) applyEvent(ctx context.Context, identity *store.Identity, event *feed.Event) (string, error) {
	if event.Kind != feed.KindCommit || event.Commit == nil {
		return feedOutcomeIgnored, nil
	}
	// The subscription filters by author server-side, but the feed is global:
	// never trust the filter enough to write another repo's blocks into this
	// observer's ledger.
	if event.DID != identity.DID {
		return feedOutcomeIgnored, nil
	}
	commit := event.Commit
	if commit.Collection != bluesky.CollectionBlock {
		return feedOutcomeIgnored, nil
	}

	switch commit.Operation {
	case feed.OperationCreate:
		var record feed.BlockRecord
		if err := json.Unmarshal(commit.Record, &record); err != nil {
			logrus.WithField("handle", identity.Handle).
				WithError(err).Warn("undecodable block record in feed event, skipping")
			return feedOutcomeMalformed, nil
		}
		if record.Subject == "" {
			logrus.WithField("handle", identity.Handle).Warn("block record without subject, ignoring")
			return feedOutcomeIgnored, nil
		}
		_, err := s.ledger.Upsert(ctx, data.UpsertParams{
			ObserverID: identity.ID,
			TargetDID:  record.Subject,
			Direction:  data.DirectionBlocking,
			RKey:       null.StringFrom(commit.RKey),
			ObservedAt: eventTime(event, record),
		})
		if err != nil {
			return "", err
		}
		return feedOutcomeApplied, nil

	case feed.OperationDelete:
		// Delete events carry only the record key.
		if _, err := s.ledger.RemoveByRKey(ctx, identity.ID, commit.RKey); err != nil {
			return "", err
		}
		return feedOutcomeApplied, nil

	default:
		return feedOutcomeIgnored, nil
	}
}

func (s *streamConsumer) saveCursor(ctx context.Context, identity *store.Identity, cursor int64) error {
	if err := s.identities.SaveCursor(ctx, identity.ID, cursor); err != nil {
		return fmt.Errorf("persisting stream cursor %d for %s: %w", cursor, identity.Handle, err)
	}
	s.metricsService.SetFeedCursor(identity.Handle, float64(cursor))
	return nil
}

func (s *streamConsumer) reconnectDelay(attempt int) time.Duration {
	delay := s.reconnectBaseDelay << uint(attempt-1)
	if delay > s.maxReconnectDelay || delay <= 0 {
		return s.maxReconnectDelay
	}
	return delay
}

// eventTime prefers the record's own creation timestamp, falling back to the
// envelope's microsecond position.
func eventTime(event *feed.Event, record feed.BlockRecord) time.Time {
	if record.CreatedAt != "" {
		if ts, err := time.Parse(time.RFC3339, record.CreatedAt); err == nil {
			return ts
		}
	}
	return time.UnixMicro(event.TimeUS)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
