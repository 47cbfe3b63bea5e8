package config

import (
	"log/slog"
	"os"
	"strings"
)

type Config struct {
	Port          string
	MQTTBrokerURL string
	MQTTClientID  string
	LogLevel      string

	// StatusTopicFilter is the wildcard subscription covering all
	// tray device origin topics.
	StatusTopicFilter string
	// ConfigTopic is the well-known topic tray devices listen on for
	// configuration pushes.
	ConfigTopic string
	// LegacyConfigTopicTemplate is the older per-device config topic
	// ("{pico_id}" placeholder). Exporting the env var as an empty
	// string disables the legacy channel entirely.
	LegacyConfigTopicTemplate string
	// StatusTopicTemplate names the device-origin topic a configured
	// tray will report on ("{tray_id}" placeholder); used for the
	// local mirror snapshot after a config push.
	StatusTopicTemplate string

	RedisAddr string
	Postgres  DBConfig
}

type DBConfig struct {
	User     string
	Password string
	DBName   string
	Host     string
	Port     string
	SSLMode  string
}

func Load() *Config {
	cfg := &Config{
		Port:                      getEnv("TRACKING_SERVICE_PORT", "8094"),
		MQTTBrokerURL:             strings.TrimSpace(os.Getenv("MQTT_BROKER_URL")),
		MQTTClientID:              getEnv("TRACKING_SERVICE_MQTT_CLIENT_ID", "tray-tracking-service"),
		LogLevel:                  getEnv("LOG_LEVEL", "info"),
		StatusTopicFilter:         getEnv("MQTT_STATUS_TOPIC_FILTER", "MET/hospital/sensors/#"),
		ConfigTopic:               getEnv("MQTT_CONFIG_TOPIC", "MET/hospital/sensors/configure"),
		LegacyConfigTopicTemplate: getEnvAllowEmpty("MQTT_LEGACY_CONFIG_TOPIC", "tray/{pico_id}/config"),
		StatusTopicTemplate:       getEnv("MQTT_STATUS_TOPIC_TEMPLATE", "MET/hospital/sensors/{tray_id}"),
		RedisAddr:                 strings.TrimSpace(os.Getenv("REDIS_ADDR")),
		Postgres: DBConfig{
			User:     strings.TrimSpace(os.Getenv("POSTGRES_USER")),
			Password: os.Getenv("POSTGRES_PASSWORD"),
			DBName:   strings.TrimSpace(os.Getenv("POSTGRES_DB")),
			Host:     strings.TrimSpace(os.Getenv("POSTGRES_HOST")),
			Port:     strings.TrimSpace(os.Getenv("POSTGRES_PORT")),
			SSLMode:  getEnv("POSTGRES_SSLMODE", "disable"),
		},
	}

	slog.Info("tray-tracking-service config loaded",
		"port", cfg.Port,
		"mqtt", cfg.MQTTBrokerURL,
		"status_filter", cfg.StatusTopicFilter,
		"config_topic", cfg.ConfigTopic)
	return cfg
}

func getEnv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

// getEnvAllowEmpty keeps an explicitly empty value, so an operator can
// disable a topic by exporting KEY="".
func getEnvAllowEmpty(k, def string) string {
	if v, ok := os.LookupEnv(k); ok {
		return strings.TrimSpace(v)
	}
	return def
}
