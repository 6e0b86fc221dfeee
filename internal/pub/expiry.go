package pub

import (
	"context"
	"fmt"
	"time"

	"credlayer/internal/ports"
	"credlayer/internal/types"

	"github.com/goccy/go-json"
)

const EventSessionExpired = "session_expired"

// expiryMessage is the payload published when a session expires. It only carries the session ID
// and timestamps.
type expiryMessage struct {
	Event     string    `json:"event"`
	SessionID string    `json:"session_id"`
	StartedAt time.Time `json:"started_at"`
	ExpiredAt time.Time `json:"expired_at"`
}

// ExpiryObserver returns a keymgr expiry observer that publishes each expiry to topic.
func ExpiryObserver(p ports.Publisher, topic string) func(context.Context, types.ExpiryEvent) error {
	return func(ctx context.Context, ev types.ExpiryEvent) error {
		b, err := json.Marshal(expiryMessage{
			Event:     EventSessionExpired,
			SessionID: ev.SessionID,
			StartedAt: ev.StartedAt.UTC(),
			ExpiredAt: ev.ExpiredAt.UTC(),
		})
		if err != nil {
			return err
		}
		if err := p.PublishRaw(ctx, topic, b); err != nil {
			return fmt.Errorf("publish expiry of session %s: %w", ev.SessionID, err)
		}
		return nil
	}
}
