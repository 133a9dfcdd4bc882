package kafka

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/IBM/sarama"
	"github.com/rs/zerolog"
	"github.com/schulte-trainer/internal/constants"
	"github.com/schulte-trainer/internal/game"
)

// AnalyticsMetrics holds aggregated analytics data
type AnalyticsMetrics struct {
	TotalSessions     int64            `json:"totalSessions"`
	CompletedSessions int64            `json:"completedSessions"`
	DeletedSessions   int64            `json:"deletedSessions"`
	Improvements      int64            `json:"improvements"`
	TotalCompletionMs int64            `json:"totalCompletionMs"`
	StatusCounts      map[string]int   `json:"statusCounts"`
	CompletionsByKey  map[string]int   `json:"completionsByConfig"`
	SessionsPerHour   map[string]int   `json:"sessionsPerHour"`
	SessionsPerDay    map[string]int   `json:"sessionsPerDay"`
	ActiveUsersPerDay map[string]int   `json:"activeUsersPerDay"`
	usersPerDay       map[string]map[string]bool
	mu                sync.RWMutex
}

func newMetrics() *AnalyticsMetrics {
	return &AnalyticsMetrics{
		StatusCounts:      make(map[string]int),
		CompletionsByKey:  make(map[string]int),
		SessionsPerHour:   make(map[string]int),
		SessionsPerDay:    make(map[string]int),
		ActiveUsersPerDay: make(map[string]int),
		usersPerDay:       make(map[string]map[string]bool),
	}
}

// Consumer handles Kafka event consumption for analytics
type Consumer struct {
	consumer sarama.ConsumerGroup
	metrics  *AnalyticsMetrics
	logger   zerolog.Logger
	ctx      context.Context
	cancel   context.CancelFunc
	done     chan struct{}
}

// NewConsumer creates a new Kafka consumer
func NewConsumer(brokers []string, logger zerolog.Logger) (*Consumer, error) {
	config := sarama.NewConfig()
	config.Consumer.Group.Rebalance.GroupStrategies = []sarama.BalanceStrategy{sarama.NewBalanceStrategyRoundRobin()}
	config.Consumer.Offsets.Initial = sarama.OffsetOldest

	consumer, err := sarama.NewConsumerGroup(brokers, constants.KafkaConsumerGroup, config)
	if err != nil {
		return nil, err
	}

	c := newConsumer(logger)
	c.consumer = consumer
	return c, nil
}

func newConsumer(logger zerolog.Logger) *Consumer {
	ctx, cancel := context.WithCancel(context.Background())
	return &Consumer{
		metrics: newMetrics(),
		logger:  logger,
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
}

// Start begins consuming events
func (c *Consumer) Start() {
	go func() {
		defer close(c.done)
		for {
			if err := c.consumer.Consume(c.ctx, []string{constants.KafkaTopic}, c); err != nil {
				c.logger.Error().Err(err).Msg("consumer error")
			}
			if c.ctx.Err() != nil {
				return
			}
		}
	}()
	c.logger.Info().Str("group", constants.KafkaConsumerGroup).Msg("kafka consumer started")
}

// Setup is called at the beginning of a new session
func (c *Consumer) Setup(sarama.ConsumerGroupSession) error {
	return nil
}

// Cleanup is called at the end of a session
func (c *Consumer) Cleanup(sarama.ConsumerGroupSession) error {
	return nil
}

// ConsumeClaim processes messages from a partition
func (c *Consumer) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for msg := range claim.Messages() {
		c.processMessage(msg)
		session.MarkMessage(msg, "")
	}
	return nil
}

// processMessage handles a single event message
func (c *Consumer) processMessage(msg *sarama.ConsumerMessage) {
	var event Event
	if err := json.Unmarshal(msg.Value, &event); err != nil {
		c.logger.Warn().Err(err).Int64("offset", msg.Offset).Msg("error unmarshaling event")
		return
	}

	c.metrics.mu.Lock()
	defer c.metrics.mu.Unlock()

	var err error
	switch event.Type {
	case EventSessionCreated:
		err = c.handleSessionCreated(event)
	case EventSessionDeleted:
		err = c.handleSessionDeleted(event)
	case EventDailyBestImproved:
		c.metrics.Improvements++
	}
	if err != nil {
		c.logger.Warn().Err(err).Str("event_id", event.ID).Msg("error decoding event data")
	}
}

// handleSessionCreated processes session created events
func (c *Consumer) handleSessionCreated(event Event) error {
	var data SessionCreatedData
	if err := json.Unmarshal(event.Data, &data); err != nil {
		return err
	}

	m := c.metrics
	m.TotalSessions++
	m.StatusCounts[string(data.Status)]++

	hourKey := event.Timestamp.UTC().Format("2006-01-02-15")
	dayKey := event.Timestamp.UTC().Format(time.DateOnly)
	m.SessionsPerHour[hourKey]++
	m.SessionsPerDay[dayKey]++

	if m.usersPerDay[dayKey] == nil {
		m.usersPerDay[dayKey] = make(map[string]bool)
	}
	if !m.usersPerDay[dayKey][event.UserID] {
		m.usersPerDay[dayKey][event.UserID] = true
		m.ActiveUsersPerDay[dayKey]++
	}

	if data.Status == game.StatusCompleted && data.CompletionTimeMs != nil {
		m.CompletedSessions++
		m.TotalCompletionMs += *data.CompletionTimeMs
		m.CompletionsByKey[game.Config{GridSize: data.GridSize, OrderMode: data.OrderMode}.Key()]++
	}
	return nil
}

// handleSessionDeleted processes session deleted events
func (c *Consumer) handleSessionDeleted(event Event) error {
	var data SessionDeletedData
	if err := json.Unmarshal(event.Data, &data); err != nil {
		return err
	}
	c.metrics.DeletedSessions++
	return nil
}

// GetMetrics returns a copy of the current metrics
func (c *Consumer) GetMetrics() *AnalyticsMetrics {
	c.metrics.mu.RLock()
	defer c.metrics.mu.RUnlock()

	m := c.metrics
	return &AnalyticsMetrics{
		TotalSessions:     m.TotalSessions,
		CompletedSessions: m.CompletedSessions,
		DeletedSessions:   m.DeletedSessions,
		Improvements:      m.Improvements,
		TotalCompletionMs: m.TotalCompletionMs,
		StatusCounts:      copyCounts(m.StatusCounts),
		CompletionsByKey:  copyCounts(m.CompletionsByKey),
		SessionsPerHour:   copyCounts(m.SessionsPerHour),
		SessionsPerDay:    copyCounts(m.SessionsPerDay),
		ActiveUsersPerDay: copyCounts(m.ActiveUsersPerDay),
	}
}

func copyCounts(src map[string]int) map[string]int {
	dst := make(map[string]int, len(src))
	for k, v := range src {
		dst[k] = v
	}
	return dst
}

// GetAverageCompletionTime returns the mean completion time in milliseconds
func (c *Consumer) GetAverageCompletionTime() float64 {
	c.metrics.mu.RLock()
	defer c.metrics.mu.RUnlock()

	if c.metrics.CompletedSessions == 0 {
		return 0
	}
	return float64(c.metrics.TotalCompletionMs) / float64(c.metrics.CompletedSessions)
}

// GetMostPlayedConfig returns the config key with the most completions
func (c *Consumer) GetMostPlayedConfig() string {
	c.metrics.mu.RLock()
	defer c.metrics.mu.RUnlock()

	most, key := 0, ""
	for k, n := range c.metrics.CompletionsByKey {
		if n > most || (n == most && k < key) {
			most, key = n, k
		}
	}
	return key
}

// GetSessionsPerHour returns sessions recorded in the last 24 hours by hour
func (c *Consumer) GetSessionsPerHour(now time.Time) map[string]int {
	c.metrics.mu.RLock()
	defer c.metrics.mu.RUnlock()

	result := make(map[string]int)
	for i := 0; i < 24; i++ {
		key := now.UTC().Add(-time.Duration(i) * time.Hour).Format("2006-01-02-15")
		result[key] = c.metrics.SessionsPerHour[key]
	}
	return result
}

// Stop stops the consumer and waits for the consume loop to exit
func (c *Consumer) Stop() {
	c.cancel()
	if c.consumer != nil {
		c.consumer.Close()
		<-c.done
	}
}
