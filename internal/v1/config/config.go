package config

import (
	"fmt"
	"log/slog"
	"net"
	"os"
	"strconv"
	"strings"
)

// Config holds validated environment configuration
type Config struct {
	// HTTP surface
	Port        string
	BindAddress string

	// RTC media plane. The UDP port range must be reachable from clients;
	// constrained firewalls commonly narrow it to 10000-10100.
	RTCMinPort  int
	RTCMaxPort  int
	AnnouncedIP string

	// Runtime mode
	Environment     string
	DevelopmentMode bool

	// Admission rate limit at the websocket endpoint (ulule format)
	RateLimitWsIP string

	// Optional OTLP trace collector endpoint; tracing is off when empty
	OTLPEndpoint string
}

const (
	defaultPort        = "5000"
	defaultBindAddress = "0.0.0.0"
	defaultRTCMinPort  = 40000
	defaultRTCMaxPort  = 49999
)

// ValidateEnv validates all environment variables and returns a Config
// object. Every variable has a default; an error is returned only for
// values that are present but invalid, with all problems collected into
// one message.
func ValidateEnv() (*Config, error) {
	cfg := &Config{}
	var errors []string

	cfg.Port = getEnvOrDefault("PORT", defaultPort)
	if !isValidPort(cfg.Port) {
		errors = append(errors, fmt.Sprintf("PORT must be a valid port number between 1 and 65535 (got '%s')", cfg.Port))
	}

	cfg.BindAddress = getEnvOrDefault("BIND_ADDRESS", defaultBindAddress)
	if net.ParseIP(cfg.BindAddress) == nil {
		errors = append(errors, fmt.Sprintf("BIND_ADDRESS must be an IP address (got '%s')", cfg.BindAddress))
	}

	var err error
	cfg.RTCMinPort, err = getEnvIntOrDefault("RTC_MIN_PORT", defaultRTCMinPort)
	if err != nil || cfg.RTCMinPort < 1 || cfg.RTCMinPort > 65535 {
		errors = append(errors, fmt.Sprintf("RTC_MIN_PORT must be a port number between 1 and 65535 (got '%s')", os.Getenv("RTC_MIN_PORT")))
	}
	cfg.RTCMaxPort, err = getEnvIntOrDefault("RTC_MAX_PORT", defaultRTCMaxPort)
	if err != nil || cfg.RTCMaxPort < 1 || cfg.RTCMaxPort > 65535 {
		errors = append(errors, fmt.Sprintf("RTC_MAX_PORT must be a port number between 1 and 65535 (got '%s')", os.Getenv("RTC_MAX_PORT")))
	}
	if len(errors) == 0 && cfg.RTCMinPort > cfg.RTCMaxPort {
		errors = append(errors, fmt.Sprintf("RTC_MIN_PORT (%d) must not exceed RTC_MAX_PORT (%d)", cfg.RTCMinPort, cfg.RTCMaxPort))
	}

	// Optional: public IP advertised in ICE candidates. Absent means the
	// bound listen address is advertised as-is.
	cfg.AnnouncedIP = os.Getenv("ANNOUNCED_IP")
	if cfg.AnnouncedIP != "" && net.ParseIP(cfg.AnnouncedIP) == nil {
		errors = append(errors, fmt.Sprintf("ANNOUNCED_IP must be an IP address (got '%s')", cfg.AnnouncedIP))
	}

	cfg.Environment = getEnvOrDefault("ENVIRONMENT", "production")
	if cfg.Environment != "production" && cfg.Environment != "development" {
		errors = append(errors, fmt.Sprintf("ENVIRONMENT must be 'production' or 'development' (got '%s')", cfg.Environment))
	}
	cfg.DevelopmentMode = cfg.Environment == "development"

	// Rate limit format: count-period, M = Minute, H = Hour
	cfg.RateLimitWsIP = getEnvOrDefault("RATE_LIMIT_WS_IP", "300-M")

	cfg.OTLPEndpoint = os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")

	if len(errors) > 0 {
		return nil, fmt.Errorf("environment validation failed:\n  - %s", strings.Join(errors, "\n  - "))
	}

	logValidatedConfig(cfg)

	return cfg, nil
}

// isValidPort checks if a string parses as a TCP/UDP port number
func isValidPort(s string) bool {
	port, err := strconv.Atoi(s)
	return err == nil && port >= 1 && port <= 65535
}

// logValidatedConfig logs the validated configuration
func logValidatedConfig(cfg *Config) {
	slog.Info("✅ Environment configuration validated successfully")
	slog.Info("Configuration",
		"port", cfg.Port,
		"bind_address", cfg.BindAddress,
		"rtc_min_port", cfg.RTCMinPort,
		"rtc_max_port", cfg.RTCMaxPort,
		"announced_ip", cfg.AnnouncedIP,
		"environment", cfg.Environment,
		"rate_limit_ws_ip", cfg.RateLimitWsIP,
		"otlp_endpoint", cfg.OTLPEndpoint,
	)
}

// getEnvOrDefault returns the value of the environment variable or a default value if not set
func getEnvOrDefault(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

// getEnvIntOrDefault returns the integer value of the environment variable
// or a default value if not set
func getEnvIntOrDefault(key string, defaultValue int) (int, error) {
	value, exists := os.LookupEnv(key)
	if !exists || value == "" {
		return defaultValue, nil
	}
	return strconv.Atoi(value)
}
