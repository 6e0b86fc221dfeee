package ports

import "context"

// Publisher delivers secret-free lifecycle events (session expiry) to a topic.
type Publisher interface {
	PublishRaw(ctx context.Context, topic string, payload []byte) error
}
