package config

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

var (
	DB        *gorm.DB
	AppConfig Config
)

type RedisConfig struct {
	Enabled  bool   `json:"enabled"`
	Address  string `json:"address"`
	Password string `json:"-"`
	DB       int    `json:"db"`
}

type SMTPConfig struct {
	Host      string `json:"host"`
	Port      int    `json:"port"`
	Username  string `json:"username"`
	Password  string `json:"-"`
	FromEmail string `json:"from_email"`
	FromName  string `json:"from_name"`
}

type IMAPConfig struct {
	Address  string `json:"address"` // host:port, TLS
	Username string `json:"username"`
	Password string `json:"-"`
	Mailbox  string `json:"mailbox"`
}

type GeminiConfig struct {
	APIKey  string `json:"-"`
	Model   string `json:"model"`
	BaseURL string `json:"base_url"`
}

type CalendlyConfig struct {
	Token        string `json:"-"`
	BaseURL      string `json:"base_url"`
	EventTypeURI string `json:"event_type_uri"`
}

// EngineConfig holds every knob the campaign automation engine reads.
type EngineConfig struct {
	TickInterval        time.Duration `json:"tick_interval"`
	WorkerPoolSize      int           `json:"worker_pool_size"`
	MaxFollowUps        int           `json:"max_follow_ups"`
	FollowUpDelayHours  int           `json:"follow_up_delay_hours"`
	BusinessHoursStart  int           `json:"business_hours_start"`
	BusinessHoursEnd    int           `json:"business_hours_end"`
	BusinessHoursTZ     string        `json:"business_hours_tz"`
	DailySendLimit      int           `json:"daily_send_limit"`
	CampaignConcurrency int           `json:"campaign_concurrency"`
	SendMaxRetries      int           `json:"send_max_retries"`
	AIMaxRetries        int           `json:"ai_max_retries"`
	AIRetryBaseDelay    time.Duration `json:"ai_retry_base_delay"`
	AIRateLimit         float64       `json:"ai_rate_limit"` // upstream calls per second
	AIRateBurst         int           `json:"ai_rate_burst"`
	AIBlockingMode      bool          `json:"ai_blocking_mode"`
	AICacheTTL          time.Duration `json:"ai_cache_ttl"`
	AICacheCapacity     int           `json:"ai_cache_capacity"`
	ExternalCallTimeout time.Duration `json:"external_call_timeout"`
	ReplyPollInterval   time.Duration `json:"reply_poll_interval"`
}

type Config struct {
	Environment    string         `json:"environment"`
	ServerPort     string         `json:"server_port"`
	JWTSecret      string         `json:"-"`
	AdminAPIKey    string         `json:"-"`
	SentryDSN      string         `json:"-"`
	DBHost         string         `json:"db_host"`
	DBPort         string         `json:"db_port"`
	DBUser         string         `json:"db_user"`
	DBPassword     string         `json:"-"`
	DBName         string         `json:"db_name"`
	DBSSLMode      string         `json:"db_ssl_mode"`
	DBMaxIdleConns int            `json:"db_max_idle_conns"`
	DBMaxOpenConns int            `json:"db_max_open_conns"`
	Redis          RedisConfig    `json:"redis"`
	SMTP           SMTPConfig     `json:"smtp"`
	IMAP           IMAPConfig     `json:"imap"`
	Gemini         GeminiConfig   `json:"gemini"`
	Calendly       CalendlyConfig `json:"calendly"`
	Engine         EngineConfig   `json:"engine"`
}

func init() {
	// Try to load .env file, but don't fail if it doesn't exist
	_ = godotenv.Load()
}

func LoadConfig() error {
	AppConfig = Config{
		Environment:    getEnv("ENVIRONMENT", "development"),
		ServerPort:     getEnv("SERVER_PORT", "5000"),
		JWTSecret:      getEnv("JWT_SECRET", ""),
		AdminAPIKey:    getEnv("ADMIN_API_KEY", ""),
		SentryDSN:      getEnv("SENTRY_DSN", ""),
		DBHost:         getEnv("DB_HOST", "localhost"),
		DBPort:         getEnv("DB_PORT", "5432"),
		DBUser:         getEnv("DB_USER", "postgres"),
		DBPassword:     getEnv("DB_PASSWORD", ""),
		DBName:         getEnv("DB_NAME", "outreachly"),
		DBSSLMode:      getEnv("DB_SSL_MODE", "disable"),
		DBMaxIdleConns: getEnvAsInt("DB_MAX_IDLE_CONNS", 10),
		DBMaxOpenConns: getEnvAsInt("DB_MAX_OPEN_CONNS", 100),
		Redis: RedisConfig{
			Enabled:  getEnvAsBool("REDIS_ENABLED", false),
			Address:  getEnv("REDIS_ADDRESS", "localhost:6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvAsInt("REDIS_DB", 0),
		},
		SMTP: SMTPConfig{
			Host:      getEnv("SMTP_HOST", "localhost"),
			Port:      getEnvAsInt("SMTP_PORT", 587),
			Username:  getEnv("SMTP_USERNAME", ""),
			Password:  getEnv("SMTP_PASSWORD", ""),
			FromEmail: getEnv("FROM_EMAIL", ""),
			FromName:  getEnv("FROM_NAME", ""),
		},
		IMAP: IMAPConfig{
			Address:  getEnv("IMAP_ADDRESS", ""),
			Username: getEnv("IMAP_USERNAME", ""),
			Password: getEnv("IMAP_PASSWORD", ""),
			Mailbox:  getEnv("IMAP_MAILBOX", "INBOX"),
		},
		Gemini: GeminiConfig{
			APIKey:  getEnv("GEMINI_API_KEY", ""),
			Model:   getEnv("GEMINI_MODEL", "gemini-1.5-flash"),
			BaseURL: getEnv("GEMINI_BASE_URL", "https://generativelanguage.googleapis.com"),
		},
		Calendly: CalendlyConfig{
			Token:        getEnv("CALENDLY_TOKEN", ""),
			BaseURL:      getEnv("CALENDLY_BASE_URL", "https://api.calendly.com"),
			EventTypeURI: getEnv("CALENDLY_EVENT_TYPE_URI", ""),
		},
		Engine: EngineConfig{
			TickInterval:        getEnvAsDuration("TICK_INTERVAL", time.Minute),
			WorkerPoolSize:      getEnvAsInt("WORKER_POOL_SIZE", 5),
			MaxFollowUps:        getEnvAsInt("MAX_FOLLOW_UPS", 3),
			FollowUpDelayHours:  getEnvAsInt("FOLLOW_UP_DELAY_HOURS", 48),
			BusinessHoursStart:  getEnvAsInt("BUSINESS_HOURS_START", 9),
			BusinessHoursEnd:    getEnvAsInt("BUSINESS_HOURS_END", 17),
			BusinessHoursTZ:     getEnv("BUSINESS_HOURS_TZ", "UTC"),
			DailySendLimit:      getEnvAsInt("DAILY_SEND_LIMIT", 500),
			CampaignConcurrency: getEnvAsInt("CAMPAIGN_CONCURRENCY", 10),
			SendMaxRetries:      getEnvAsInt("SEND_MAX_RETRIES", 3),
			AIMaxRetries:        getEnvAsInt("AI_MAX_RETRIES", 3),
			AIRetryBaseDelay:    getEnvAsDuration("AI_RETRY_BASE_DELAY", 500*time.Millisecond),
			AIRateLimit:         getEnvAsFloat("AI_RATE_LIMIT", 1.0),
			AIRateBurst:         getEnvAsInt("AI_RATE_BURST", 1),
			AIBlockingMode:      getEnvAsBool("AI_BLOCKING_MODE", true),
			AICacheTTL:          getEnvAsDuration("AI_CACHE_TTL", time.Hour),
			AICacheCapacity:     getEnvAsInt("AI_CACHE_CAPACITY", 1000),
			ExternalCallTimeout: getEnvAsDuration("EXTERNAL_CALL_TIMEOUT", 30*time.Second),
			ReplyPollInterval:   getEnvAsDuration("REPLY_POLL_INTERVAL", 2*time.Minute),
		},
	}

	// Validate required configurations
	if AppConfig.DBPassword == "" {
		return fmt.Errorf("DB_PASSWORD is required")
	}
	if AppConfig.JWTSecret == "" {
		return fmt.Errorf("JWT_SECRET is required")
	}
	if AppConfig.Environment == "production" {
		if AppConfig.Gemini.APIKey == "" {
			return fmt.Errorf("GEMINI_API_KEY is required in production")
		}
		if AppConfig.SMTP.FromEmail == "" {
			return fmt.Errorf("FROM_EMAIL is required in production")
		}
	}
	if _, err := time.LoadLocation(AppConfig.Engine.BusinessHoursTZ); err != nil {
		return fmt.Errorf("invalid BUSINESS_HOURS_TZ %q: %w", AppConfig.Engine.BusinessHoursTZ, err)
	}
	if AppConfig.Engine.BusinessHoursStart < 0 || AppConfig.Engine.BusinessHoursEnd > 24 ||
		AppConfig.Engine.BusinessHoursStart >= AppConfig.Engine.BusinessHoursEnd {
		return fmt.Errorf("invalid business hours window %d-%d",
			AppConfig.Engine.BusinessHoursStart, AppConfig.Engine.BusinessHoursEnd)
	}

	logConfig()
	return nil
}

// BusinessLocation returns the timezone the business-hours window is
// evaluated in. LoadConfig has already validated the name.
func (c *Config) BusinessLocation() *time.Location {
	loc, err := time.LoadLocation(c.Engine.BusinessHoursTZ)
	if err != nil {
		return time.UTC
	}
	return loc
}

func ConnectDB() error {
	log.Println("Attempting to connect to database...")

	dsn := fmt.Sprintf(
		"host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		AppConfig.DBHost,
		AppConfig.DBPort,
		AppConfig.DBUser,
		AppConfig.DBPassword,
		AppConfig.DBName,
		AppConfig.DBSSLMode,
	)

	var err error
	DB, err = gorm.Open(postgres.Open(dsn), &gorm.Config{})
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}

	sqlDB, err := DB.DB()
	if err != nil {
		return fmt.Errorf("failed to get DB instance: %w", err)
	}

	sqlDB.SetMaxIdleConns(AppConfig.DBMaxIdleConns)
	sqlDB.SetMaxOpenConns(AppConfig.DBMaxOpenConns)
	sqlDB.SetConnMaxLifetime(time.Hour)
	sqlDB.SetConnMaxIdleTime(30 * time.Minute)

	if err := sqlDB.Ping(); err != nil {
		return fmt.Errorf("database ping failed: %w", err)
	}

	log.Println("✅ Successfully connected to the database")
	return nil
}

// Helper functions
func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return fallback
}

func getEnvAsInt(key string, fallback int) int {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return fallback
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return fallback
	}
	return value
}

func getEnvAsFloat(key string, fallback float64) float64 {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return fallback
	}
	value, err := strconv.ParseFloat(valueStr, 64)
	if err != nil {
		return fallback
	}
	return value
}

func getEnvAsBool(key string, fallback bool) bool {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return fallback
	}
	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return fallback
	}
	return value
}

func getEnvAsDuration(key string, fallback time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return fallback
	}
	value, err := time.ParseDuration(valueStr)
	if err != nil {
		return fallback
	}
	return value
}

func logConfig() {
	log.Println("🔧 Loaded configuration:")
	log.Printf("Environment: %s", AppConfig.Environment)
	log.Printf("Server Port: %s", AppConfig.ServerPort)
	log.Printf("Database: %s@%s:%s/%s",
		AppConfig.DBUser,
		AppConfig.DBHost,
		AppConfig.DBPort,
		AppConfig.DBName)
	log.Printf("Business hours: %02d:00-%02d:00 %s",
		AppConfig.Engine.BusinessHoursStart,
		AppConfig.Engine.BusinessHoursEnd,
		AppConfig.Engine.BusinessHoursTZ)
	log.Printf("Redis: enabled=%t, AI blocking mode=%t",
		AppConfig.Redis.Enabled,
		AppConfig.Engine.AIBlockingMode)
}
