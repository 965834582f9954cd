package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// markerTTL keeps idempotency markers around long past the stream drain
// window (24h, as PX milliseconds).
const markerTTL = 86400000 * time.Millisecond

// MarkerStore claims idempotency markers for ledger events. A marker is a
// SET NX with a fixed TTL; the first claimant wins and every later claim of
// the same key reports already-claimed.
type MarkerStore struct {
	client *redis.Client
}

func NewMarkerStore(client *redis.Client) *MarkerStore {
	return &MarkerStore{client: client}
}

func eventMarkerKey(eventKey string) string {
	return fmt.Sprintf("tag_usage_event:%s", eventKey)
}

func tagMarkerKey(eventKey string, tagID uint) string {
	return fmt.Sprintf("tag_usage_event:%s:%d", eventKey, tagID)
}

// ClaimEvent claims the event-level marker. Returns false when the event
// was already processed.
func (ms *MarkerStore) ClaimEvent(ctx context.Context, eventKey string) (bool, error) {
	return ms.claim(ctx, eventMarkerKey(eventKey))
}

// ClaimTag claims the per-tag marker guarding one analytics attribution.
func (ms *MarkerStore) ClaimTag(ctx context.Context, eventKey string, tagID uint) (bool, error) {
	return ms.claim(ctx, tagMarkerKey(eventKey, tagID))
}

// ReleaseEvent drops the event-level marker so a failed persistence attempt
// can be retried.
func (ms *MarkerStore) ReleaseEvent(ctx context.Context, eventKey string) error {
	if ms.client == nil {
		return ErrUnavailable
	}
	return ms.client.Del(ctx, eventMarkerKey(eventKey)).Err()
}

func (ms *MarkerStore) claim(ctx context.Context, key string) (bool, error) {
	if ms.client == nil {
		return false, ErrUnavailable
	}

	ok, err := ms.client.SetNX(ctx, key, "1", markerTTL).Result()
	if err != nil {
		return false, fmt.Errorf("failed to claim marker %s: %w", key, err)
	}
	return ok, nil
}
