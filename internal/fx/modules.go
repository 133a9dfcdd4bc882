package fx

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"github.com/schulte-trainer/internal/api"
	"github.com/schulte-trainer/internal/auth"
	"github.com/schulte-trainer/internal/config"
	"github.com/schulte-trainer/internal/constants"
	"github.com/schulte-trainer/internal/game"
	"github.com/schulte-trainer/internal/kafka"
	"github.com/schulte-trainer/internal/leaderboard"
	"github.com/schulte-trainer/internal/logger"
	"github.com/schulte-trainer/internal/partition"
	"github.com/schulte-trainer/internal/sessions"
	"github.com/schulte-trainer/internal/stats"
	"github.com/schulte-trainer/internal/storage"
	"github.com/schulte-trainer/internal/users"
	"github.com/schulte-trainer/internal/websocket"
	"go.uber.org/fx"
)

// ProvideStore connects to PostgreSQL and falls back to the in-memory store
// when the database is unavailable or MEMORY_ONLY is set
func ProvideStore(lc fx.Lifecycle, cfg *config.Config, logger zerolog.Logger) storage.Store {
	var store storage.Store

	if cfg.MemoryOnly {
		logger.Warn().Msg("running in memory-only mode, sessions won't be persisted")
		store = storage.NewMemoryStore()
	} else {
		ctx, cancel := context.WithTimeout(context.Background(), 2*constants.DBPingTimeout)
		defer cancel()

		pg, err := storage.NewPostgresStore(ctx, cfg.DatabaseURL, logger)
		if err != nil {
			logger.Error().Err(err).Msg("database not available, falling back to the in-memory store; data is lost on restart and writes slow down as it grows")
			store = storage.NewMemoryStore()
		} else {
			store = pg
		}
	}

	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			store.Close()
			return nil
		},
	})
	return store
}

func ProvideLeaderboard(store storage.Store, logger zerolog.Logger) *leaderboard.Engine {
	return leaderboard.NewEngine(store, logger.With().Str("component", "leaderboard").Logger())
}

func ProvideStats(logger zerolog.Logger) *stats.Engine {
	return stats.NewEngine(logger.With().Str("component", "stats").Logger())
}

func ProvideUsers(store storage.Store, logger zerolog.Logger) *users.Service {
	return users.NewService(store, logger.With().Str("component", "users").Logger())
}

// ProvideVerifier selects token verification by AUTH_MODE
func ProvideVerifier(cfg *config.Config, logger zerolog.Logger) (auth.Verifier, error) {
	if cfg.AuthMode == config.AuthModeHeader {
		return auth.HeaderVerifier{}, nil
	}

	v, err := auth.NewJWTVerifier(cfg.JWKSURL(), cfg.Issuer(), cfg.CognitoClientID)
	if err != nil {
		return nil, err
	}
	logger.Info().Str("issuer", cfg.Issuer()).Msg("jwt verification enabled")
	return v, nil
}

func ProvideAuthMiddleware(cfg *config.Config, verifier auth.Verifier, userSvc *users.Service) *auth.Middleware {
	return auth.NewMiddleware(verifier, userSvc, cfg.AuthMode == config.AuthModeHeader)
}

// ProvideProducer returns a producer that is disabled unless KAFKA_ENABLED
// is set and a broker answers
func ProvideProducer(lc fx.Lifecycle, cfg *config.Config, logger zerolog.Logger) *kafka.Producer {
	log := logger.With().Str("component", "kafka-producer").Logger()
	if !cfg.KafkaEnabled {
		return kafka.NewDisabledProducer(log)
	}

	producer := kafka.NewProducer(cfg.KafkaBrokers, log)
	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			return producer.Close()
		},
	})
	return producer
}

// ProvideConsumer starts the analytics consumer. It returns nil when Kafka
// is disabled or unreachable.
func ProvideConsumer(lc fx.Lifecycle, cfg *config.Config, producer *kafka.Producer, logger zerolog.Logger) *kafka.Consumer {
	if !producer.IsEnabled() {
		return nil
	}

	log := logger.With().Str("component", "kafka-consumer").Logger()
	consumer, err := kafka.NewConsumer(cfg.KafkaBrokers, log)
	if err != nil {
		log.Warn().Err(err).Msg("kafka consumer not available")
		return nil
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			consumer.Start()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			consumer.Stop()
			return nil
		},
	})
	return consumer
}

// ProvideHub runs the live leaderboard hub for the lifetime of the app
func ProvideHub(lc fx.Lifecycle, logger zerolog.Logger) *websocket.Hub {
	hub := websocket.NewHub(logger.With().Str("component", "hub").Logger())
	ctx, cancel := context.WithCancel(context.Background())

	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			go hub.Run(ctx)
			return nil
		},
		OnStop: func(context.Context) error {
			cancel()
			return nil
		},
	})
	return hub
}

func ProvideWSHandler(hub *websocket.Hub, logger zerolog.Logger) *websocket.Handler {
	return websocket.NewHandler(hub, logger.With().Str("component", "ws").Logger())
}

func ProvideHandlers(sessionSvc *sessions.Service, board *leaderboard.Engine, userSvc *users.Service, producer *kafka.Producer, consumer *kafka.Consumer, store storage.Store) *api.Handlers {
	mode := "memory"
	if _, ok := store.(*storage.PostgresStore); ok {
		mode = "connected"
	}
	return api.NewHandlers(sessionSvc, board, userSvc, producer, consumer, store, mode)
}

// WireEvents forwards committed session changes to Kafka and the live
// leaderboard feed
func WireEvents(svc *sessions.Service, producer *kafka.Producer, hub *websocket.Hub, board *leaderboard.Engine, logger zerolog.Logger) {
	svc.SetOnSessionCreated(func(s *game.Session) {
		producer.EmitSessionCreated(s)
	})

	svc.SetOnSessionDeleted(func(s *game.Session) {
		producer.EmitSessionDeleted(s)
	})

	svc.SetOnDailyBestImproved(func(e *storage.DailyEntry) {
		producer.EmitDailyBestImproved(e)

		cfg := game.Config{GridSize: e.GridSize, OrderMode: e.OrderMode}
		if hub.Subscribers(cfg) == 0 {
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		rank, _, ok, err := board.UserRank(ctx, e.UserID, e.GridSize, e.OrderMode, e.Date)
		if err != nil {
			logger.Warn().Err(err).Str("user_id", e.UserID.String()).Msg("failed to rank daily best")
		}
		if !ok {
			rank = 0
		}
		hub.PublishDailyBest(e, rank)
	})
}

// ApplyLogLevel switches logging to LOG_LEVEL once configuration is loaded
func ApplyLogLevel(cfg *config.Config, log zerolog.Logger) {
	logger.SetLevel(log, cfg.LogLevel)
}

var Module = fx.Options(
	logger.Module,
	config.Module,
	fx.Invoke(ApplyLogLevel),
	fx.Provide(ProvideStore),
	// engines
	fx.Provide(ProvideStats),
	fx.Provide(ProvideLeaderboard),
	fx.Provide(partition.NewLocker),
	// svc
	fx.Provide(sessions.NewService),
	fx.Provide(ProvideUsers),
	// auth
	fx.Provide(ProvideVerifier),
	fx.Provide(ProvideAuthMiddleware),
	// events
	fx.Provide(ProvideProducer),
	fx.Provide(ProvideConsumer),
	fx.Provide(ProvideHub),
	fx.Provide(ProvideWSHandler),
	fx.Invoke(WireEvents),
	// api
	fx.Provide(ProvideHandlers),
)
