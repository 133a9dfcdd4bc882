package websocket

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/schulte-trainer/internal/game"
	"github.com/schulte-trainer/internal/storage"
)

// Hub maintains the set of live leaderboard clients and broadcasts board updates
type Hub struct {
	// Registered clients by id
	clients map[string]*Client

	// Clients by config key, e.g. "5-ASC"
	subscribers map[string]map[string]*Client

	// Register requests from clients
	register chan *Client

	// Unregister requests from clients
	unregister chan *Client

	// Closed once Run returns
	done chan struct{}

	logger zerolog.Logger

	mu sync.RWMutex
}

// NewHub creates a new Hub instance
func NewHub(logger zerolog.Logger) *Hub {
	return &Hub{
		clients:     make(map[string]*Client),
		subscribers: make(map[string]map[string]*Client),
		register:    make(chan *Client),
		unregister:  make(chan *Client),
		done:        make(chan struct{}),
		logger:      logger,
	}
}

// Run starts the hub's main loop until ctx is cancelled
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client.id] = client
			h.mu.Unlock()
			h.logger.Debug().Str("client_id", client.id).Msg("client registered")

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client.id]; ok {
				delete(h.clients, client.id)
				h.removeSubscriptions(client)
				client.close()
			}
			h.mu.Unlock()
			h.logger.Debug().Str("client_id", client.id).Msg("client unregistered")
		}
	}
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for id, client := range h.clients {
		h.removeSubscriptions(client)
		client.close()
		delete(h.clients, id)
	}
}

// removeSubscriptions must be called with mu held
func (h *Hub) removeSubscriptions(client *Client) {
	for key := range client.subscriptions {
		if subs := h.subscribers[key]; subs != nil {
			delete(subs, client.id)
			if len(subs) == 0 {
				delete(h.subscribers, key)
			}
		}
	}
	client.subscriptions = nil
}

// Register adds client to the hub. It reports false once the hub has stopped.
func (h *Hub) Register(client *Client) bool {
	select {
	case h.register <- client:
		return true
	case <-h.done:
		return false
	}
}

// Unregister removes client and closes its send buffer
func (h *Hub) Unregister(client *Client) {
	select {
	case h.unregister <- client:
	case <-h.done:
	}
}

// Subscribe adds client to the update feed of a config
func (h *Hub) Subscribe(client *Client, cfg game.Config) {
	key := cfg.Key()

	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.clients[client.id]; !ok {
		return
	}
	if h.subscribers[key] == nil {
		h.subscribers[key] = make(map[string]*Client)
	}
	h.subscribers[key][client.id] = client
	if client.subscriptions == nil {
		client.subscriptions = make(map[string]bool)
	}
	client.subscriptions[key] = true
}

// Unsubscribe removes client from the update feed of a config
func (h *Hub) Unsubscribe(client *Client, cfg game.Config) {
	key := cfg.Key()

	h.mu.Lock()
	defer h.mu.Unlock()

	if subs := h.subscribers[key]; subs != nil {
		delete(subs, client.id)
		if len(subs) == 0 {
			delete(h.subscribers, key)
		}
	}
	delete(client.subscriptions, key)
}

// Subscribers returns the number of clients watching a config
func (h *Hub) Subscribers(cfg game.Config) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subscribers[cfg.Key()])
}

// PublishDailyBest tells every subscriber of the entry's config that a daily
// best changed. rank is the entry's new position, 0 when unknown.
func (h *Hub) PublishDailyBest(e *storage.DailyEntry, rank int) {
	cfg := game.Config{GridSize: e.GridSize, OrderMode: e.OrderMode}
	h.broadcast(cfg.Key(), Message{
		Type:       TypeLeaderboardUpdate,
		GridSize:   e.GridSize,
		OrderMode:  e.OrderMode,
		Date:       e.Date.Format(time.DateOnly),
		UserID:     e.UserID.String(),
		BestTimeMs: e.BestTimeMs,
		Rank:       rank,
	})
}

// broadcast sends a message to all clients subscribed to key
func (h *Hub) broadcast(key string, msg Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error().Err(err).Msg("error marshaling message")
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for id, client := range h.subscribers[key] {
		if !client.trySend(data) {
			h.logger.Warn().Str("client_id", id).Str("type", msg.Type).Msg("send buffer full, dropping message")
		}
	}
}
