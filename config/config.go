package config

import (
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
)

type Config struct {
	Port           string
	Environment    string
	AllowedOrigins []string
	JWTSecret      string
	RequireAuth    bool
	Redis          RedisConfig
	Relay          RelayConfig
	Client         ClientConfig
}

type RedisConfig struct {
	Enabled  bool
	Host     string
	Port     string
	Password string
	DB       int
}

// RelayConfig holds per-connection limits for the signaling relay.
type RelayConfig struct {
	DefaultCapacity      int
	PingInterval         time.Duration
	PongWait             time.Duration
	WriteTimeout         time.Duration
	JoinTimeout          time.Duration
	MaxMessageBytes      int64
	MaxMessagesPerSecond int
	SendBuffer           int
}

// ClientConfig configures a headless participant.
type ClientConfig struct {
	RelayURL         string
	RoomID           string
	DisplayName      string
	AuthToken        string
	ICEServers       []string
	AnswerTimeout    time.Duration
	DisconnectGrace  time.Duration
	QualityInterval  time.Duration
	QualityWindow    int
	SpeakerInterval  time.Duration
	SpeakerThreshold float64
	SpeakerDwell     time.Duration
	SpeakerHold      time.Duration
}

func Load() *Config {
	// Parse allowed origins (comma-separated)
	originsStr := getEnv("ALLOWED_ORIGINS", "http://localhost:3000,http://localhost:5173")
	origins := splitList(originsStr)

	pongWait := getEnvDuration("WS_PONG_WAIT", 60*time.Second)
	pingInterval := getEnvDuration("WS_PING_INTERVAL", 54*time.Second)
	if pingInterval >= pongWait {
		pingInterval = pongWait * 9 / 10
	}

	return &Config{
		Port:           getEnv("PORT", "8080"),
		Environment:    getEnv("ENVIRONMENT", "development"),
		AllowedOrigins: origins,
		JWTSecret:      getEnv("JWT_SECRET", "change-me-in-production"),
		RequireAuth:    getEnvBool("REQUIRE_AUTH", false),
		Redis: RedisConfig{
			Enabled:  getEnvBool("REDIS_ENABLED", true),
			Host:     getEnv("REDIS_HOST", "localhost"),
			Port:     getEnv("REDIS_PORT", "6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvInt("REDIS_DB", 0),
		},
		Relay: RelayConfig{
			DefaultCapacity:      getEnvInt("ROOM_DEFAULT_CAPACITY", 8),
			PingInterval:         pingInterval,
			PongWait:             pongWait,
			WriteTimeout:         getEnvDuration("WS_WRITE_TIMEOUT", 10*time.Second),
			JoinTimeout:          getEnvDuration("JOIN_TIMEOUT", 15*time.Second),
			MaxMessageBytes:      int64(getEnvInt("WS_MAX_MESSAGE_BYTES", 64*1024)),
			MaxMessagesPerSecond: getEnvInt("WS_MAX_MESSAGES_PER_SECOND", 100),
			SendBuffer:           getEnvInt("WS_SEND_BUFFER", 256),
		},
		Client: ClientConfig{
			RelayURL:         getEnv("RELAY_URL", "ws://localhost:8080/ws"),
			RoomID:           getEnv("ROOM_ID", ""),
			DisplayName:      getEnv("DISPLAY_NAME", "go-participant"),
			AuthToken:        getEnv("AUTH_TOKEN", ""),
			ICEServers:       splitList(getEnv("ICE_SERVERS", "stun:stun.l.google.com:19302,stun:stun1.l.google.com:19302")),
			AnswerTimeout:    getEnvDuration("ANSWER_TIMEOUT", 15*time.Second),
			DisconnectGrace:  getEnvDuration("DISCONNECT_GRACE", 5*time.Second),
			QualityInterval:  getEnvDuration("QUALITY_INTERVAL", 3*time.Second),
			QualityWindow:    getEnvInt("QUALITY_WINDOW", 10),
			SpeakerInterval:  getEnvDuration("SPEAKER_INTERVAL", 100*time.Millisecond),
			SpeakerThreshold: getEnvFloat("SPEAKER_THRESHOLD", 0.02),
			SpeakerDwell:     getEnvDuration("SPEAKER_DWELL", 250*time.Millisecond),
			SpeakerHold:      getEnvDuration("SPEAKER_HOLD", time.Second),
		},
	}
}

// NewLogger builds the process logger for the configured environment.
func NewLogger(cfg *Config) (*zap.Logger, error) {
	if cfg.Environment == "production" {
		return zap.NewProduction()
	}
	return zap.NewDevelopment()
}

func getEnv(key, defaultValue string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	raw := getEnv(key, "")
	if raw == "" {
		return defaultValue
	}
	parsed, err := strconv.Atoi(raw)
	if err != nil {
		log.Printf("invalid int env %s=%q (using %d)", key, raw, defaultValue)
		return defaultValue
	}
	return parsed
}

func getEnvFloat(key string, defaultValue float64) float64 {
	raw := getEnv(key, "")
	if raw == "" {
		return defaultValue
	}
	parsed, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		log.Printf("invalid float env %s=%q (using %g)", key, raw, defaultValue)
		return defaultValue
	}
	return parsed
}

func getEnvBool(key string, defaultValue bool) bool {
	raw := getEnv(key, "")
	if raw == "" {
		return defaultValue
	}
	parsed, err := strconv.ParseBool(raw)
	if err != nil {
		log.Printf("invalid bool env %s=%q (using %t)", key, raw, defaultValue)
		return defaultValue
	}
	return parsed
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	raw := getEnv(key, "")
	if raw == "" {
		return defaultValue
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		log.Printf("invalid duration env %s=%q (using %s)", key, raw, defaultValue)
		return defaultValue
	}
	return parsed
}

func splitList(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
