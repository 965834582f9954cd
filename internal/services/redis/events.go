package redis

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	// LedgerStream buffers accounted requests until the worker persists
	// them. Approximate MAXLEN trimming bounds memory; anything trimmed
	// before a drain is accepted loss.
	LedgerStream = "bg_events"

	// DeadLedgerStream receives events the worker could not parse.
	DeadLedgerStream = "bg_events:dead"

	DefaultStreamMaxLen = 100_000
)

// EventTag is one resolved tag attribution carried inside a ledger event.
type EventTag struct {
	ID     uint    `json:"id"`
	Name   string  `json:"name"`
	Path   string  `json:"path"`
	Weight float64 `json:"weight"`
}

// LedgerEvent is the wire form of one accounted request. Fields are flat
// stream values except Tags, which rides as a JSON array.
type LedgerEvent struct {
	EventKey         string
	Timestamp        time.Time
	TenantID         uint
	Tenant           string
	Route            string
	Model            string
	CostUSD          float64
	PromptTokens     int
	CompletionTokens int
	SessionSID       string
	Tags             []EventTag
}

// ComputeEventKey derives the idempotency key for an event from its
// accounting-relevant fields. The same request replayed produces the same
// key, so the worker's markers collapse duplicates.
func ComputeEventKey(ts time.Time, tenant, route, model string, usd float64, promptTok, compTok int, sid string) string {
	h := sha256.New()
	fmt.Fprintf(h, "%d|%s|%s|%s|%.6f|%d|%d|%s",
		ts.UnixNano(), tenant, route, model, usd, promptTok, compTok, sid)
	return hex.EncodeToString(h.Sum(nil))[:32]
}

// EventPublisher appends ledger events to the stream.
type EventPublisher struct {
	client *redis.Client
	logger *zap.Logger
	maxLen int64
}

func NewEventPublisher(client *redis.Client, logger *zap.Logger, maxLen int64) *EventPublisher {
	if maxLen <= 0 {
		maxLen = DefaultStreamMaxLen
	}
	return &EventPublisher{client: client, logger: logger, maxLen: maxLen}
}

// Publish appends the event. This runs before any counter moves so the
// stream is always a superset of counted spend.
func (ep *EventPublisher) Publish(ctx context.Context, ev *LedgerEvent) error {
	if ep.client == nil {
		return ErrUnavailable
	}

	tags, err := json.Marshal(ev.Tags)
	if err != nil {
		return fmt.Errorf("failed to marshal event tags: %w", err)
	}

	args := &redis.XAddArgs{
		Stream: LedgerStream,
		MaxLen: ep.maxLen,
		Approx: true,
		Values: map[string]interface{}{
			"event_key":         ev.EventKey,
			"ts":                ev.Timestamp.UTC().Format(time.RFC3339Nano),
			"tenant_id":         strconv.FormatUint(uint64(ev.TenantID), 10),
			"tenant":            ev.Tenant,
			"route":             ev.Route,
			"model":             ev.Model,
			"usd":               strconv.FormatFloat(ev.CostUSD, 'f', 6, 64),
			"prompt_tokens":     strconv.Itoa(ev.PromptTokens),
			"completion_tokens": strconv.Itoa(ev.CompletionTokens),
			"session_sid":       ev.SessionSID,
			"tags":              string(tags),
		},
	}

	if _, err := ep.client.XAdd(ctx, args).Result(); err != nil {
		ep.logger.Error("Failed to publish ledger event",
			zap.String("event_key", ev.EventKey),
			zap.Error(err))
		return err
	}
	return nil
}

// ParseEvent reconstructs a LedgerEvent from raw stream values.
func ParseEvent(values map[string]interface{}) (*LedgerEvent, error) {
	str := func(field string) string {
		if v, ok := values[field].(string); ok {
			return v
		}
		return ""
	}

	ts, err := time.Parse(time.RFC3339Nano, str("ts"))
	if err != nil {
		return nil, fmt.Errorf("invalid ts field: %w", err)
	}
	tenantID, err := strconv.ParseUint(str("tenant_id"), 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid tenant_id field: %w", err)
	}
	usd, err := strconv.ParseFloat(str("usd"), 64)
	if err != nil {
		return nil, fmt.Errorf("invalid usd field: %w", err)
	}
	promptTok, err := strconv.Atoi(str("prompt_tokens"))
	if err != nil {
		return nil, fmt.Errorf("invalid prompt_tokens field: %w", err)
	}
	compTok, err := strconv.Atoi(str("completion_tokens"))
	if err != nil {
		return nil, fmt.Errorf("invalid completion_tokens field: %w", err)
	}

	ev := &LedgerEvent{
		EventKey:         str("event_key"),
		Timestamp:        ts,
		TenantID:         uint(tenantID),
		Tenant:           str("tenant"),
		Route:            str("route"),
		Model:            str("model"),
		CostUSD:          usd,
		PromptTokens:     promptTok,
		CompletionTokens: compTok,
		SessionSID:       str("session_sid"),
	}
	if ev.EventKey == "" {
		return nil, fmt.Errorf("event is missing event_key")
	}

	if raw := str("tags"); raw != "" && raw != "null" {
		if err := json.Unmarshal([]byte(raw), &ev.Tags); err != nil {
			return nil, fmt.Errorf("invalid tags field: %w", err)
		}
	}
	return ev, nil
}
