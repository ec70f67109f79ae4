package ws

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/Wyydra/chatfusion/internal/core/domain"
	"github.com/Wyydra/chatfusion/internal/core/port"
	"github.com/rs/zerolog/log"
)

const presenceTimeout = 2 * time.Second

var (
	ErrHubStopped = errors.New("hub stopped")
	ErrForbidden  = errors.New("topic not allowed for this client")
)

type subscription struct {
	client Client
	topic  string
	add    bool
}

type publication struct {
	topic string
	body  json.RawMessage
}

// Hub fans published frames out to topic subscribers and keeps call-room
// presence up to date. All state is owned by the Run loop.
type Hub struct {
	presence port.PresenceStore

	clients map[Client]map[string]struct{}
	topics  map[string]map[Client]struct{}

	register   chan Client
	unregister chan Client
	subscribe  chan subscription
	publish    chan publication
	quit       chan struct{}
	done       chan struct{}
}

func NewHub(presence port.PresenceStore) *Hub {
	return &Hub{
		presence:   presence,
		clients:    make(map[Client]map[string]struct{}),
		topics:     make(map[string]map[Client]struct{}),
		register:   make(chan Client),
		unregister: make(chan Client),
		subscribe:  make(chan subscription),
		publish:    make(chan publication, 256),
		quit:       make(chan struct{}),
		done:       make(chan struct{}),
	}
}

func (h *Hub) Run() {
	defer close(h.done)
	for {
		select {
		case <-h.quit:
			for client := range h.clients {
				h.drop(client)
			}
			return

		case client := <-h.register:
			h.clients[client] = make(map[string]struct{})
			log.Info().Str("client_id", client.ID()).Str("participant_id", client.Participant().ID.String()).Msg("Client registered")

		case client := <-h.unregister:
			if _, ok := h.clients[client]; ok {
				h.drop(client)
				log.Info().Str("client_id", client.ID()).Msg("Client unregistered")
			}

		case sub := <-h.subscribe:
			if sub.add {
				h.join(sub.client, sub.topic)
			} else {
				h.leave(sub.client, sub.topic)
			}

		case pub := <-h.publish:
			d := domain.RelayDelivery{Topic: pub.topic, Body: pub.body}
			for client := range h.topics[pub.topic] {
				if err := client.Send(d); err != nil {
					log.Warn().Err(err).Str("client_id", client.ID()).Msg("Slow client, dropping")
					h.drop(client)
				}
			}
		}
	}
}

func (h *Hub) Register(c Client) error {
	select {
	case h.register <- c:
		return nil
	case <-h.quit:
		return ErrHubStopped
	}
}

func (h *Hub) Unregister(c Client) {
	select {
	case h.unregister <- c:
	case <-h.quit:
	}
}

// Subscribe adds c to topic. Ring topics are private to their participant.
func (h *Hub) Subscribe(c Client, topic string) error {
	if !Allowed(c.Participant().ID, topic) {
		return ErrForbidden
	}
	select {
	case h.subscribe <- subscription{client: c, topic: topic, add: true}:
		return nil
	case <-h.quit:
		return ErrHubStopped
	}
}

func (h *Hub) Unsubscribe(c Client, topic string) {
	select {
	case h.subscribe <- subscription{client: c, topic: topic}:
	case <-h.quit:
	}
}

// Publish delivers body to every subscriber of the topic destination maps to.
func (h *Hub) Publish(destination string, body json.RawMessage) error {
	select {
	case <-h.quit:
		return ErrHubStopped
	default:
	}
	select {
	case h.publish <- publication{topic: domain.TopicForDestination(destination), body: body}:
		return nil
	case <-h.quit:
		return ErrHubStopped
	}
}

func (h *Hub) Stop() {
	close(h.quit)
	<-h.done
}

// Allowed reports whether participant id may subscribe to topic.
func Allowed(id domain.ParticipantID, topic string) bool {
	if !strings.HasPrefix(topic, domain.TopicPrefix) {
		return false
	}
	if strings.HasPrefix(topic, domain.TopicPrefix+"call/") {
		return topic == domain.RingTopic(id)
	}
	return true
}

// Authored reports whether body, published to destination, names participant
// id as its author. Call-room events carry it in user.id and rings in userId.
// Other destinations are not checked.
func Authored(id domain.ParticipantID, destination string, body json.RawMessage) bool {
	topic := domain.TopicForDestination(destination)
	switch {
	case strings.HasPrefix(topic, domain.TopicPrefix+"call-room/"):
		var ev struct {
			Sender struct {
				ID domain.ParticipantID `json:"id"`
			} `json:"user"`
		}
		return json.Unmarshal(body, &ev) == nil && ev.Sender.ID == id
	case strings.HasPrefix(topic, domain.TopicPrefix+"call/"):
		var inv domain.Invitation
		return json.Unmarshal(body, &inv) == nil && inv.CallerID == id
	}
	return true
}

func (h *Hub) join(c Client, topic string) {
	topics, ok := h.clients[c]
	if !ok {
		return
	}
	if _, ok := topics[topic]; ok {
		return
	}
	topics[topic] = struct{}{}
	if h.topics[topic] == nil {
		h.topics[topic] = make(map[Client]struct{})
	}
	h.topics[topic][c] = struct{}{}
	if callID, ok := domain.CallIDFromTopic(topic); ok {
		h.recordPresence(callID, c, true)
	}
}

func (h *Hub) leave(c Client, topic string) {
	topics, ok := h.clients[c]
	if !ok {
		return
	}
	if _, ok := topics[topic]; !ok {
		return
	}
	delete(topics, topic)
	delete(h.topics[topic], c)
	if len(h.topics[topic]) == 0 {
		delete(h.topics, topic)
	}
	if callID, ok := domain.CallIDFromTopic(topic); ok && !h.watching(topic, c.Participant().ID) {
		h.recordPresence(callID, c, false)
	}
}

// watching reports whether another connection of participant id is still
// subscribed to topic.
func (h *Hub) watching(topic string, id domain.ParticipantID) bool {
	for other := range h.topics[topic] {
		if other.Participant().ID == id {
			return true
		}
	}
	return false
}

func (h *Hub) drop(c Client) {
	for topic := range h.clients[c] {
		h.leave(c, topic)
	}
	delete(h.clients, c)
	if err := c.Close(); err != nil {
		log.Debug().Err(err).Str("client_id", c.ID()).Msg("Error closing client")
	}
}

func (h *Hub) recordPresence(callID domain.CallID, c Client, present bool) {
	if h.presence == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), presenceTimeout)
	defer cancel()

	id := c.Participant().ID
	var err error
	if present {
		err = h.presence.Add(ctx, callID, id)
	} else {
		err = h.presence.Remove(ctx, callID, id)
	}
	if err != nil {
		log.Error().Err(err).Str("call_id", callID.String()).Str("participant_id", id.String()).Msg("Failed to update presence")
	}
}
