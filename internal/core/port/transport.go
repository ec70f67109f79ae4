package port

import "context"

type MessageHandler func(body []byte)

// Transport is a best effort publish/subscribe channel to a broker.
// Publish returns domain.ErrTransportUnavailable while disconnected and the
// message is dropped.
type Transport interface {
	Subscribe(ctx context.Context, topic string, handler MessageHandler) error
	Unsubscribe(topic string) error
	Publish(destination string, body any) error
}
