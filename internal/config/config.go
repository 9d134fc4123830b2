// Package config provides configuration loading from environment variables.
package config

import (
	"time"
)

// ServiceConfig holds configuration for the queue service process.
type ServiceConfig struct {
	Port              string
	MetricsPort       string
	APIKey            string
	ShutdownDrainWait time.Duration // Time to wait for load balancer to drain (0 to skip)
	WorkerStopTimeout time.Duration // How long shutdown waits for the in-flight job
	SubmitRateLimit   float64       // Sustained submissions per second, 0 disables
	SubmitRateBurst   int
}

// LoadServiceConfig loads service configuration from environment variables.
func LoadServiceConfig() *ServiceConfig {
	return &ServiceConfig{
		Port:              GetEnv("PORT", "8000"),
		MetricsPort:       GetEnv("METRICS_PORT", "9090"),
		APIKey:            GetSecretFile(GetEnv("API_KEY_FILE", "")),
		ShutdownDrainWait: GetDurationEnv("SHUTDOWN_DRAIN_WAIT", 5*time.Second),
		WorkerStopTimeout: GetDurationEnv("WORKER_STOP_TIMEOUT", 30*time.Second),
		SubmitRateLimit:   GetFloatEnv("SUBMIT_RATE_LIMIT", 0),
		SubmitRateBurst:   GetIntEnv("SUBMIT_RATE_BURST", 5),
	}
}
