package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config is everything the agent reads from the environment. The three
// sink addresses (MQTTBroker, RedisAddr, SQLitePath) may be empty:
// an empty value disables that sink and the agent runs without it.
type Config struct {
	AppEnv   string
	LogLevel slog.Level

	RobotID   string
	StatusURL string
	TeleopURL string

	TeleopTopic       string
	TeleopType        string
	ResendInterval    time.Duration
	StartTimeout      time.Duration
	ReconnectDelay    time.Duration
	ReconnectAttempts int

	DriverMinSendInterval time.Duration
	LinearSpeed           float64
	AngularSpeed          float64

	MQTTBroker   string
	MQTTPort     int
	MQTTClientID string

	RedisAddr string

	SQLitePath      string
	SQLDebug        bool
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

func LoadFromEnv() (Config, error) {
	appEnv := strings.TrimSpace(os.Getenv("APP_ENV"))
	if appEnv == "" {
		appEnv = "dev"
	}
	switch appEnv {
	case "dev", "prod":
	default:
		return Config{}, fmt.Errorf("invalid APP_ENV %q (allowed: dev, prod)", appEnv)
	}

	level, err := parseLogLevel(envOr("LOG_LEVEL", "info"))
	if err != nil {
		return Config{}, err
	}

	resendInterval, err := durationEnv("RESEND_INTERVAL", "100ms")
	if err != nil {
		return Config{}, err
	}
	startTimeout, err := durationEnv("START_TIMEOUT", "5s")
	if err != nil {
		return Config{}, err
	}
	reconnectDelay, err := durationEnv("RECONNECT_DELAY", "3s")
	if err != nil {
		return Config{}, err
	}
	reconnectAttempts, err := intEnv("RECONNECT_ATTEMPTS", "5")
	if err != nil {
		return Config{}, err
	}
	if reconnectAttempts < 1 {
		return Config{}, fmt.Errorf("RECONNECT_ATTEMPTS must be at least 1, got %d", reconnectAttempts)
	}

	minSendInterval, err := durationEnv("DRIVER_MIN_SEND_INTERVAL", "100ms")
	if err != nil {
		return Config{}, err
	}
	linearSpeed, err := floatEnv("LINEAR_SPEED", "0.5")
	if err != nil {
		return Config{}, err
	}
	if linearSpeed <= 0 {
		return Config{}, fmt.Errorf("LINEAR_SPEED must be positive, got %v", linearSpeed)
	}
	angularSpeed, err := floatEnv("ANGULAR_SPEED", "1.0")
	if err != nil {
		return Config{}, err
	}
	if angularSpeed <= 0 {
		return Config{}, fmt.Errorf("ANGULAR_SPEED must be positive, got %v", angularSpeed)
	}

	mqttPort, err := intEnv("MQTT_PORT", "1883")
	if err != nil {
		return Config{}, err
	}

	sqlDebug, err := boolEnv("SQL_DEBUG", false)
	if err != nil {
		return Config{}, err
	}
	maxOpenConns, err := intEnv("DB_MAX_OPEN_CONNS", "1")
	if err != nil {
		return Config{}, err
	}
	maxIdleConns, err := intEnv("DB_MAX_IDLE_CONNS", "1")
	if err != nil {
		return Config{}, err
	}
	connMaxLifetimeStr := envOr("DB_CONN_MAX_LIFETIME", "0s")
	connMaxLifetime, err := time.ParseDuration(connMaxLifetimeStr)
	if err != nil {
		return Config{}, fmt.Errorf("invalid DB_CONN_MAX_LIFETIME %q: %w", connMaxLifetimeStr, err)
	}

	return Config{
		AppEnv:   appEnv,
		LogLevel: level,

		RobotID:   envOr("ROBOT_ID", "robot-1"),
		StatusURL: envOr("STATUS_URL", "ws://localhost:8090/status"),
		TeleopURL: envOr("TELEOP_URL", "ws://localhost:8090/teleop"),

		TeleopTopic:       envOr("TELEOP_TOPIC", "/cmd_vel"),
		TeleopType:        envOr("TELEOP_TYPE", "geometry_msgs/Twist"),
		ResendInterval:    resendInterval,
		StartTimeout:      startTimeout,
		ReconnectDelay:    reconnectDelay,
		ReconnectAttempts: reconnectAttempts,

		DriverMinSendInterval: minSendInterval,
		LinearSpeed:           linearSpeed,
		AngularSpeed:          angularSpeed,

		MQTTBroker:   envOr("MQTT_BROKER", ""),
		MQTTPort:     mqttPort,
		MQTTClientID: envOr("MQTT_CLIENT_ID", "fleetlink-agent"),

		RedisAddr: envOr("REDIS_ADDR", ""),

		SQLitePath:      envOr("SQLITE_PATH", ""),
		SQLDebug:        sqlDebug,
		MaxOpenConns:    maxOpenConns,
		MaxIdleConns:    maxIdleConns,
		ConnMaxLifetime: connMaxLifetime,
	}, nil
}

func envOr(key, fallback string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	return v
}

func durationEnv(key, fallback string) (time.Duration, error) {
	raw := envOr(key, fallback)
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("%s must be positive, got %v", key, d)
	}
	return d, nil
}

func intEnv(key, fallback string) (int, error) {
	raw := envOr(key, fallback)
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return n, nil
}

func floatEnv(key, fallback string) (float64, error) {
	raw := envOr(key, fallback)
	f, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return f, nil
}

func boolEnv(key string, fallback bool) (bool, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback, nil
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return false, fmt.Errorf("invalid %s %q (allowed: true, false)", key, raw)
	}
	return v, nil
}

func parseLogLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("invalid LOG_LEVEL %q (allowed: debug, info, warn, error)", s)
	}
}
