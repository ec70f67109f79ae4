package http

import (
	"encoding/json"
	"errors"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/Wyydra/chatfusion/internal/adapter/driven/gateway/ws"
	"github.com/Wyydra/chatfusion/internal/core/domain"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	sendBufferSize = 256
	maxFrameSize   = 64 * 1024
	writeWait      = 5 * time.Second
	// pongWait - pingPeriod is how long the client has to answer a ping.
	pingPeriod = 5 * time.Second
	pongWait   = 7 * time.Second
)

var ErrClientClosed = errors.New("client closed")

type WSClient struct {
	id          string
	participant domain.Participant
	conn        *websocket.Conn

	mu     sync.Mutex
	send   chan domain.RelayDelivery
	closed bool
}

func (c *WSClient) ID() string {
	return c.id
}

func (c *WSClient) Participant() domain.Participant {
	return c.participant
}

func (c *WSClient) Send(d domain.RelayDelivery) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClientClosed
	}
	select {
	case c.send <- d:
		return nil
	default:
		return errors.New("send buffer full")
	}
}

// Close stops the write pump, which then closes the connection.
func (c *WSClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
	return nil
}

func (h *Handler) upgrader() *websocket.Upgrader {
	return &websocket.Upgrader{
		HandshakeTimeout: 3 * time.Second,
		ReadBufferSize:   4096,
		WriteBufferSize:  4096,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			return origin == "" || len(h.Origins) == 0 || slices.Contains(h.Origins, origin)
		},
	}
}

// HTTP handler
func (h *Handler) ServeWS(w http.ResponseWriter, r *http.Request) {
	participant, ok := ParticipantFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "Authorization required")
		return
	}

	conn, err := h.upgrader().Upgrade(w, r, nil)
	if err != nil {
		log.Error().Err(err).Msg("Error while upgrading ws")
		return
	}

	client := &WSClient{
		id:          uuid.NewString(),
		participant: participant,
		conn:        conn,
		send:        make(chan domain.RelayDelivery, sendBufferSize),
	}

	l := log.With().Str("client_id", client.id).Str("participant_id", participant.ID.String()).Logger()
	l.Info().Msg("New client connected")

	if err := h.Hub.Register(client); err != nil {
		l.Warn().Err(err).Msg("Rejecting client")
		conn.Close()
		return
	}

	go client.writePump(&l)

	defer func() {
		l.Info().Msg("Client disconnected")
		h.Hub.Unregister(client)
		client.Close()
	}()

	conn.SetReadLimit(maxFrameSize)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	// listening for frames
	for {
		var frame domain.RelayFrame
		err := conn.ReadJSON(&frame)
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				l.Error().Err(err).Msg("Unexpected close error")
			}
			var syntaxErr *json.SyntaxError
			if errors.As(err, &syntaxErr) {
				l.Warn().Err(err).Msg("Malformed frame")
			}
			break
		}

		switch frame.Op {
		case domain.OpSubscribe:
			if err := h.Hub.Subscribe(client, frame.Topic); err != nil {
				l.Warn().Err(err).Str("topic", frame.Topic).Msg("Subscription refused")
			}
		case domain.OpUnsubscribe:
			h.Hub.Unsubscribe(client, frame.Topic)
		case domain.OpPublish:
			if frame.Destination == "" || len(frame.Body) == 0 {
				l.Warn().Msg("Publish without destination or body")
				continue
			}
			if !ws.Authored(participant.ID, frame.Destination, frame.Body) {
				l.Warn().Str("destination", frame.Destination).Msg("Publish on behalf of another participant refused")
				continue
			}
			if err := h.Hub.Publish(frame.Destination, frame.Body); err != nil {
				l.Error().Err(err).Msg("Failed to publish")
			}
		default:
			l.Warn().Str("op", string(frame.Op)).Msg("Unknown frame op")
		}
	}
}

func (c *WSClient) writePump(l *zerolog.Logger) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case d, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := c.conn.WriteJSON(d); err != nil {
				l.Debug().Err(err).Msg("Write failed")
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				l.Debug().Err(err).Msg("Ping failed")
				return
			}
		}
	}
}
