package domain

import "encoding/json"

type RelayOp string

const (
	OpSubscribe   RelayOp = "subscribe"
	OpUnsubscribe RelayOp = "unsubscribe"
	OpPublish     RelayOp = "publish"
)

// RelayFrame is sent by a client to the websocket relay.
type RelayFrame struct {
	Op          RelayOp         `json:"op"`
	Topic       string          `json:"topic,omitempty"`
	Destination string          `json:"destination,omitempty"`
	Body        json.RawMessage `json:"body,omitempty"`
}

// RelayDelivery is sent by the relay to every subscriber of Topic.
type RelayDelivery struct {
	Topic string          `json:"topic"`
	Body  json.RawMessage `json:"body"`
}
