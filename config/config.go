// Package config collects process configuration from environment variables
// with built-in defaults. Command line flags in main may override the
// connection-level values.
package config

import (
	"os"
	"time"
)

type Config struct {
	// Vehicle
	DeviceID    string
	BackendKind string
	ConnString  string
	// Command catalog
	CatalogPath string
	// Telemetry
	PollInterval time.Duration
	// MQTT
	MQTTBroker     string
	PrivateKeyPath string
	// Flight log
	FlightLogPath string
}

func LoadConfig() Config {
	return Config{
		DeviceID:       getEnv("DEVICE_ID", "drone-1"),
		BackendKind:    getEnv("BACKEND_KIND", "mavlink"),
		ConnString:     getEnv("CONN_STRING", "udp://0.0.0.0:14540"),
		CatalogPath:    getEnv("CATALOG_PATH", ""),
		PollInterval:   getEnvDuration("POLL_INTERVAL", 200*time.Millisecond),
		MQTTBroker:     getEnv("MQTT_BROKER", ""),
		PrivateKeyPath: getEnv("PRIVATE_KEY", "/enclave/rsa_private.pem"),
		FlightLogPath:  getEnv("FLIGHT_LOG_PATH", "flight.db"),
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
