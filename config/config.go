package config

import (
	"log"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

var (
	PORT        string
	DB_URL      string
	JWT_SECRET  string
	CORS_ORIGIN string
	APP_URL     string

	STRIPE_SECRET_KEY     string
	STRIPE_WEBHOOK_SECRET string

	// Ledger policy
	FREE_DAILY_USES              int
	POINTS_PACKAGE_VALIDITY_DAYS int
	LEGACY_PRICE_POINTS_FALLBACK bool
	POINTS_PACKAGE_EXPIRY_POLICY string
	ALERT_WEBHOOK_URL            string

	LOG_LEVEL       string
	LOG_FILENAME    string
	LOG_MAX_SIZE    int
	LOG_MAX_BACKUPS int
	LOG_MAX_AGE     int
	LOG_COMPRESS    bool
)

const (
	DefaultFreeDailyUses             = 10
	DefaultPointsPackageValidityDays = 60
	ExpiryPolicyRecord               = "record"
)

func LoadEnv() {
	err := godotenv.Load()
	if err != nil {
		log.Println("No .env file found. Using system environment variables.")
	}

	PORT = getEnv("PORT", "8080")
	DB_URL = mustEnv("DB_URL")
	JWT_SECRET = mustEnv("JWT_SECRET")
	CORS_ORIGIN = getEnv("CORS_ORIGIN", "http://localhost:5173")
	APP_URL = strings.TrimSuffix(getEnv("APP_URL", "http://localhost:5173"), "/")

	STRIPE_SECRET_KEY = mustEnv("STRIPE_SECRET_KEY")
	STRIPE_WEBHOOK_SECRET = mustEnv("STRIPE_WEBHOOK_SECRET")

	FREE_DAILY_USES = getEnvInt("FREE_DAILY_USES", DefaultFreeDailyUses)
	POINTS_PACKAGE_VALIDITY_DAYS = getEnvInt("POINTS_PACKAGE_VALIDITY_DAYS", DefaultPointsPackageValidityDays)
	LEGACY_PRICE_POINTS_FALLBACK = getEnvBool("LEGACY_PRICE_POINTS_FALLBACK", false)
	POINTS_PACKAGE_EXPIRY_POLICY = strings.ToLower(getEnv("POINTS_PACKAGE_EXPIRY_POLICY", ExpiryPolicyRecord))
	if POINTS_PACKAGE_EXPIRY_POLICY != ExpiryPolicyRecord {
		log.Fatalf("Unsupported POINTS_PACKAGE_EXPIRY_POLICY %q (only %q is implemented)", POINTS_PACKAGE_EXPIRY_POLICY, ExpiryPolicyRecord)
	}
	ALERT_WEBHOOK_URL = getEnv("ALERT_WEBHOOK_URL", "")

	LOG_LEVEL = getEnv("LOG_LEVEL", "info")
	LOG_FILENAME = getEnv("LOG_FILENAME", "logs/app.log")
	LOG_MAX_SIZE = getEnvInt("LOG_MAX_SIZE", 100)
	LOG_MAX_BACKUPS = getEnvInt("LOG_MAX_BACKUPS", 3)
	LOG_MAX_AGE = getEnvInt("LOG_MAX_AGE", 28)
	LOG_COMPRESS = getEnvBool("LOG_COMPRESS", true)
}

func mustEnv(key string) string {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		log.Fatalf("Missing required environment variable: %s", key)
	}
	return v
}

func getEnv(key string, fallback string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return fallback
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		log.Printf("Invalid integer for %s=%q, using %d", key, v, fallback)
		return fallback
	}
	return i
}

func getEnvBool(key string, fallback bool) bool {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		log.Printf("Invalid boolean for %s=%q, using %t", key, v, fallback)
		return fallback
	}
	return b
}
