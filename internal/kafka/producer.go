package kafka

import (
	"encoding/json"
	"time"

	"github.com/IBM/sarama"
	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/rs/zerolog"
	"github.com/schulte-trainer/internal/constants"
	"github.com/schulte-trainer/internal/game"
	"github.com/schulte-trainer/internal/storage"
)

// EventType represents the type of session event
type EventType string

const (
	EventSessionCreated    EventType = "session_created"
	EventSessionDeleted    EventType = "session_deleted"
	EventDailyBestImproved EventType = "daily_best_improved"
)

// Event is the envelope written to the session events topic
type Event struct {
	ID        string          `json:"id"`
	Type      EventType       `json:"type"`
	UserID    string          `json:"userId"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data"`
}

// SessionCreatedData contains data for session created events
type SessionCreatedData struct {
	SessionID        string         `json:"sessionId"`
	GridSize         int            `json:"gridSize"`
	OrderMode        game.OrderMode `json:"orderMode"`
	Status           game.Status    `json:"status"`
	CompletionTimeMs *int64         `json:"completionTimeMs,omitempty"`
	Mistakes         int            `json:"mistakes"`
	Accuracy         float64        `json:"accuracy"`
	StartedAt        time.Time      `json:"startedAt"`
}

// SessionDeletedData contains data for session deleted events
type SessionDeletedData struct {
	SessionID string         `json:"sessionId"`
	GridSize  int            `json:"gridSize"`
	OrderMode game.OrderMode `json:"orderMode"`
	Status    game.Status    `json:"status"`
}

// DailyBestData contains data for daily best improved events
type DailyBestData struct {
	SessionID  string         `json:"sessionId"`
	GridSize   int            `json:"gridSize"`
	OrderMode  game.OrderMode `json:"orderMode"`
	BestTimeMs int64          `json:"bestTimeMs"`
	Date       string         `json:"date"`
}

// Producer handles Kafka event production
type Producer struct {
	producer sarama.SyncProducer
	enabled  bool
	logger   zerolog.Logger
}

// NewProducer creates a new Kafka producer. Without a reachable broker the
// producer is returned disabled and every emit is a no-op.
func NewProducer(brokers []string, logger zerolog.Logger) *Producer {
	config := sarama.NewConfig()
	config.Producer.Return.Successes = true
	config.Producer.RequiredAcks = sarama.WaitForAll
	config.Producer.Retry.Max = 3

	producer, err := sarama.NewSyncProducer(brokers, config)
	if err != nil {
		logger.Warn().Err(err).Msg("kafka producer not available, events disabled")
		return &Producer{enabled: false, logger: logger}
	}

	logger.Info().Strs("brokers", brokers).Msg("kafka producer connected")
	return &Producer{producer: producer, enabled: true, logger: logger}
}

// NewDisabledProducer returns a producer that drops every event
func NewDisabledProducer(logger zerolog.Logger) *Producer {
	return &Producer{enabled: false, logger: logger}
}

// NewProducerWith wraps an existing sync producer
func NewProducerWith(producer sarama.SyncProducer, logger zerolog.Logger) *Producer {
	return &Producer{producer: producer, enabled: true, logger: logger}
}

// EmitSessionCreated emits a session created event
func (p *Producer) EmitSessionCreated(s *game.Session) {
	if !p.enabled {
		return
	}

	p.send(EventSessionCreated, s.UserID.String(), SessionCreatedData{
		SessionID:        s.ID.String(),
		GridSize:         s.GridSize,
		OrderMode:        s.OrderMode,
		Status:           s.Status,
		CompletionTimeMs: s.CompletionTimeMs,
		Mistakes:         s.Mistakes,
		Accuracy:         s.Accuracy,
		StartedAt:        s.StartedAt,
	})
}

// EmitSessionDeleted emits a session deleted event
func (p *Producer) EmitSessionDeleted(s *game.Session) {
	if !p.enabled {
		return
	}

	p.send(EventSessionDeleted, s.UserID.String(), SessionDeletedData{
		SessionID: s.ID.String(),
		GridSize:  s.GridSize,
		OrderMode: s.OrderMode,
		Status:    s.Status,
	})
}

// EmitDailyBestImproved emits an event for a new or faster daily entry
func (p *Producer) EmitDailyBestImproved(e *storage.DailyEntry) {
	if !p.enabled {
		return
	}

	p.send(EventDailyBestImproved, e.UserID.String(), DailyBestData{
		SessionID:  e.SessionID.String(),
		GridSize:   e.GridSize,
		OrderMode:  e.OrderMode,
		BestTimeMs: e.BestTimeMs,
		Date:       e.Date.Format(time.DateOnly),
	})
}

// send sends an event keyed by user so one user's events stay ordered
func (p *Producer) send(eventType EventType, userID string, data any) {
	payload, err := json.Marshal(data)
	if err != nil {
		p.logger.Error().Err(err).Msg("error marshaling event data")
		return
	}

	id, err := gonanoid.New()
	if err != nil {
		p.logger.Error().Err(err).Msg("error generating event id")
		return
	}

	event := Event{
		ID:        id,
		Type:      eventType,
		UserID:    userID,
		Timestamp: time.Now().UTC(),
		Data:      payload,
	}
	value, err := json.Marshal(event)
	if err != nil {
		p.logger.Error().Err(err).Msg("error marshaling event")
		return
	}

	msg := &sarama.ProducerMessage{
		Topic: constants.KafkaTopic,
		Key:   sarama.StringEncoder(userID),
		Value: sarama.ByteEncoder(value),
	}

	if _, _, err := p.producer.SendMessage(msg); err != nil {
		p.logger.Error().Err(err).Str("event_type", string(eventType)).Msg("error sending event to kafka")
	}
}

// Close closes the producer
func (p *Producer) Close() error {
	if p.producer != nil {
		return p.producer.Close()
	}
	return nil
}

// IsEnabled returns whether Kafka is enabled
func (p *Producer) IsEnabled() bool {
	return p.enabled
}
