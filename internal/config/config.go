package config

import (
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	// Gateway side
	GatewayPort       int
	GatewayDataDir    string
	JWTSecret         string
	JWTExpirySeconds  int
	ClientCredentials map[string]string // clientId -> clientSecret, hashed at startup

	// Hospital node side
	HospitalPort    int
	HospitalDataDir string
	GatewayBaseURL  string
	ClientID        string
	ClientSecret    string
	BridgeID        string
	BridgeRole      string
	BridgeName      string
	CallbackURL     string
	CMID            string

	RequestTimeout time.Duration
	LogLevel       string
}

// JWTExpiry returns the session token lifetime.
func (c *Config) JWTExpiry() time.Duration {
	return time.Duration(c.JWTExpirySeconds) * time.Second
}

func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		GatewayPort:       getEnvAsInt("GATEWAY_PORT", 8000),
		GatewayDataDir:    getEnv("GATEWAY_DATA_DIR", "/data/gateway"),
		JWTSecret:         getEnv("GATEWAY_JWT_SECRET", "dev-secret-123"),
		JWTExpirySeconds:  getEnvAsInt("JWT_EXPIRY_SECONDS", 1800),
		ClientCredentials: parseCredentials(getEnv("CLIENT_CREDENTIALS", "client-001:secret-001,client-002:secret-002")),

		HospitalPort:    getEnvAsInt("HOSPITAL_PORT", 8080),
		HospitalDataDir: getEnv("HOSPITAL_DATA_DIR", "/data/hospital"),
		GatewayBaseURL:  getEnv("GATEWAY_BASE_URL", "http://localhost:8000"),
		ClientID:        getEnv("CLIENT_ID", "client-001"),
		ClientSecret:    getEnv("CLIENT_SECRET", "secret-001"),
		BridgeID:        getEnv("BRIDGE_ID", "hip-001"),
		BridgeRole:      getEnv("BRIDGE_ROLE", "HIP"),
		BridgeName:      getEnv("BRIDGE_NAME", "City Hospital"),
		CallbackURL:     getEnv("CALLBACK_URL", "http://localhost:8080/webhook/receive"),
		CMID:            getEnv("X_CM_ID", "hospital-main"),

		RequestTimeout: time.Duration(getEnvAsInt("REQUEST_TIMEOUT_SECONDS", 10)) * time.Second,
		LogLevel:       getEnv("LOG_LEVEL", "info"),
	}

	setupLogger(cfg.LogLevel)

	slog.Info("Configuration loaded",
		"gatewayPort", cfg.GatewayPort,
		"hospitalPort", cfg.HospitalPort,
		"gatewayBaseURL", cfg.GatewayBaseURL,
		"bridgeId", cfg.BridgeID,
		"bridgeRole", cfg.BridgeRole,
	)

	return cfg, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

// parseCredentials parses "id:secret,id:secret" pairs.
func parseCredentials(raw string) map[string]string {
	creds := make(map[string]string)
	for _, pair := range strings.Split(raw, ",") {
		id, secret, ok := strings.Cut(strings.TrimSpace(pair), ":")
		if !ok || id == "" || secret == "" {
			continue
		}
		creds[id] = secret
	}
	return creds
}

func setupLogger(level string) {
	var logLevel slog.Level
	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "info":
		logLevel = slog.LevelInfo
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: logLevel,
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, opts))
	slog.SetDefault(logger)
}
