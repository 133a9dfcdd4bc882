package websocket

import (
	"encoding/json"

	"github.com/rs/zerolog"
	"github.com/schulte-trainer/internal/constants"
	"github.com/schulte-trainer/internal/game"
)

// Message types
const (
	TypeSubscribe         = "subscribe"
	TypeUnsubscribe       = "unsubscribe"
	TypePing              = "ping"
	TypeSubscribed        = "subscribed"
	TypeUnsubscribed      = "unsubscribed"
	TypePong              = "pong"
	TypeLeaderboardUpdate = "leaderboardUpdate"
	TypeError             = "error"
)

// Message represents a WebSocket message sent to clients
type Message struct {
	Type       string         `json:"type"`
	GridSize   int            `json:"gridSize,omitempty"`
	OrderMode  game.OrderMode `json:"orderMode,omitempty"`
	Date       string         `json:"date,omitempty"`
	UserID     string         `json:"userId,omitempty"`
	BestTimeMs int64          `json:"bestTimeMs,omitempty"`
	Rank       int            `json:"rank,omitempty"`
	Message    string         `json:"message,omitempty"`
}

// IncomingMessage represents a message from the client
type IncomingMessage struct {
	Type      string         `json:"type"`
	GridSize  int            `json:"gridSize,omitempty"`
	OrderMode game.OrderMode `json:"orderMode,omitempty"`
}

// Handler processes WebSocket messages
type Handler struct {
	hub    *Hub
	logger zerolog.Logger
}

// NewHandler creates a new message handler
func NewHandler(hub *Hub, logger zerolog.Logger) *Handler {
	return &Handler{hub: hub, logger: logger}
}

// HandleMessage processes an incoming message
func (h *Handler) HandleMessage(client *Client, data []byte) {
	var msg IncomingMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		h.logger.Debug().Err(err).Str("client_id", client.id).Msg("error parsing message")
		client.sendMessage(Message{Type: TypeError, Message: "Invalid message format"})
		return
	}

	switch msg.Type {
	case TypeSubscribe:
		h.handleSubscribe(client, msg)
	case TypeUnsubscribe:
		h.handleUnsubscribe(client, msg)
	case TypePing:
		client.sendMessage(Message{Type: TypePong})
	default:
		client.sendMessage(Message{Type: TypeError, Message: "Unknown message type"})
	}
}

// config resolves the board a message refers to, applying the defaults the
// REST board uses
func config(msg IncomingMessage) (game.Config, error) {
	cfg := game.Config{GridSize: msg.GridSize, OrderMode: msg.OrderMode}
	if cfg.GridSize == 0 {
		cfg.GridSize = constants.DefaultGridSize
	}
	if cfg.OrderMode == "" {
		cfg.OrderMode = game.OrderAscending
	}
	if err := game.ValidateGridSize(cfg.GridSize); err != nil {
		return cfg, err
	}
	if !cfg.OrderMode.Valid() {
		return cfg, &game.ValidationError{Field: "orderMode", Message: "must be ASC or DESC"}
	}
	return cfg, nil
}

// handleSubscribe adds the client to a board's update feed
func (h *Handler) handleSubscribe(client *Client, msg IncomingMessage) {
	cfg, err := config(msg)
	if err != nil {
		client.sendMessage(Message{Type: TypeError, Message: err.Error()})
		return
	}

	h.hub.Subscribe(client, cfg)
	client.sendMessage(Message{Type: TypeSubscribed, GridSize: cfg.GridSize, OrderMode: cfg.OrderMode})
}

// handleUnsubscribe removes the client from a board's update feed
func (h *Handler) handleUnsubscribe(client *Client, msg IncomingMessage) {
	cfg, err := config(msg)
	if err != nil {
		client.sendMessage(Message{Type: TypeError, Message: err.Error()})
		return
	}

	h.hub.Unsubscribe(client, cfg)
	client.sendMessage(Message{Type: TypeUnsubscribed, GridSize: cfg.GridSize, OrderMode: cfg.OrderMode})
}
