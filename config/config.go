package config

import (
	"os"
	"strconv"
)

type Config struct {
	Port        int
	DBPath      string
	AckTimeout  int // seconds, per retransmission attempt
	MaxRetries  int
	UserTTL     int // seconds without a request before a user is marked offline; 0 disables
	ServerAddr  string
	SessionPath string
	Debug       bool
}

func Load() *Config {
	cfg := &Config{
		Port:        12000,
		DBPath:      "udpim.db",
		AckTimeout:  5,
		MaxRetries:  3,
		UserTTL:     600,
		ServerAddr:  "localhost:12000",
		SessionPath: "session.json",
	}

	if portStr := os.Getenv("UDPIM_PORT"); portStr != "" {
		if port, err := strconv.Atoi(portStr); err == nil {
			cfg.Port = port
		}
	}

	if dbPath := os.Getenv("UDPIM_DB_PATH"); dbPath != "" {
		cfg.DBPath = dbPath
	}

	if timeoutStr := os.Getenv("UDPIM_ACK_TIMEOUT"); timeoutStr != "" {
		if timeout, err := strconv.Atoi(timeoutStr); err == nil {
			cfg.AckTimeout = timeout
		}
	}

	if retriesStr := os.Getenv("UDPIM_MAX_RETRIES"); retriesStr != "" {
		if retries, err := strconv.Atoi(retriesStr); err == nil {
			cfg.MaxRetries = retries
		}
	}

	if ttlStr := os.Getenv("UDPIM_USER_TTL"); ttlStr != "" {
		if ttl, err := strconv.Atoi(ttlStr); err == nil {
			cfg.UserTTL = ttl
		}
	}

	if addr := os.Getenv("UDPIM_SERVER_ADDR"); addr != "" {
		cfg.ServerAddr = addr
	}

	if path := os.Getenv("UDPIM_SESSION_PATH"); path != "" {
		cfg.SessionPath = path
	}

	if debugStr := os.Getenv("UDPIM_DEBUG"); debugStr != "" {
		if debug, err := strconv.ParseBool(debugStr); err == nil {
			cfg.Debug = debug
		}
	}

	return cfg
}
