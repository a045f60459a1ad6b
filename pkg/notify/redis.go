package notify

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/voxhall/relay/pkg/errorsx"
	"github.com/voxhall/relay/pkg/store"
)

// Redis publishes row events on per-call pub/sub channels
// (transcripts:<call_id>, suggestions:<call_id>) that the dashboard
// realtime layer subscribes to.
type Redis struct {
	client *redis.Client
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

func OpenRedis(ctx context.Context, cfg RedisConfig) (*Redis, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, err
	}
	return &Redis{client: client}, nil
}

func (r *Redis) Close() error {
	return r.client.Close()
}

type transcriptEvent struct {
	ID        string    `json:"id"`
	CallID    string    `json:"call_id"`
	Role      string    `json:"role"`
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"created_at"`
}

type suggestionEvent struct {
	ID        string    `json:"id"`
	CallID    string    `json:"call_id"`
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"created_at"`
}

func (r *Redis) TranscriptCreated(ctx context.Context, t store.Transcript) error {
	payload, err := json.Marshal(transcriptEvent{
		ID:        t.ID,
		CallID:    t.CallID,
		Role:      string(t.Role),
		Text:      t.Text,
		CreatedAt: t.CreatedAt,
	})
	if err != nil {
		return err
	}
	if err := r.client.Publish(ctx, "transcripts:"+t.CallID, payload).Err(); err != nil {
		return errorsx.Wrap(err, errorsx.ReasonNotifyPublish)
	}
	return nil
}

func (r *Redis) SuggestionCreated(ctx context.Context, s store.Suggestion) error {
	payload, err := json.Marshal(suggestionEvent{
		ID:        s.ID,
		CallID:    s.CallID,
		Text:      s.Text,
		CreatedAt: s.CreatedAt,
	})
	if err != nil {
		return err
	}
	if err := r.client.Publish(ctx, "suggestions:"+s.CallID, payload).Err(); err != nil {
		return errorsx.Wrap(err, errorsx.ReasonNotifyPublish)
	}
	return nil
}

var _ Notifier = (*Redis)(nil)
