package constants

import "time"

const (
	DBMaxConns    = 10
	DBMinConns    = 2
	DBPingTimeout = 5 * time.Second
)

const (
	RequestTimeout  = 30 * time.Second
	ReadTimeout     = 15 * time.Second
	WriteTimeout    = 15 * time.Second
	IdleTimeout     = 60 * time.Second
	ShutdownTimeout = 10 * time.Second
)

const (
	DefaultLeaderboardLimit = 50
	MaxLeaderboardLimit     = 100
	DefaultPerPage          = 20
	MaxPerPage              = 100
	DefaultGridSize         = 5

	// MaxRequestBodyBytes fits a full sync batch of the largest grids
	MaxRequestBodyBytes = 16 << 20
)

const (
	KafkaTopic         = "session-events"
	KafkaConsumerGroup = "analytics-consumer"
)

const (
	JWKSRefreshInterval = time.Hour
	MaxDisplayNameLen   = 100
	MaxAvatarURLLen     = 500
)

const (
	WSWriteWait      = 10 * time.Second
	WSPongWait       = 60 * time.Second
	WSPingPeriod     = (WSPongWait * 9) / 10
	WSMaxMessageSize = 512
	WSSendBuffer     = 256
)
