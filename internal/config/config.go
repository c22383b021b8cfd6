package config

import (
	"errors"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	HTTPAddr      string
	LogLevel      string
	MySQLDSN      string
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	JWTSecret     string
	AdminPassword string
	AdminToken    string

	TelegramToken string
	TelegramDebug bool
	AdminIDs      map[int64]bool

	// 账本机器人（余额/转账权威）
	LedgerBotID          int64
	LedgerChatID         int64
	LedgerTimeout        time.Duration
	ConfiscationAccount  int64
	ConfiscateAfter      time.Duration
	SweepInterval        time.Duration
	HongbaoTick          time.Duration
	RenderEveryTicks     int
	DispatchInterval     time.Duration
	DispatchQueueSize    int
	ClickMaxFrequency    int
	ClickPenaltyTicks    int
	ClickSweepInterval   time.Duration
	QualifyUTCOffsetHour int
	QualifyResetEnabled  bool
}

func Load() Config {
	_ = godotenv.Load(".env")
	cfg := Config{
		HTTPAddr:             getEnv("HTTP_ADDR", ":8080"),
		LogLevel:             getEnv("LOG_LEVEL", "info"),
		MySQLDSN:             getEnv("MYSQL_DSN", "root:password@tcp(127.0.0.1:3306)/hongbao?parseTime=true&charset=utf8mb4&loc=UTC"),
		RedisAddr:            getEnv("REDIS_ADDR", "127.0.0.1:6379"),
		RedisPassword:        getEnv("REDIS_PASSWORD", ""),
		RedisDB:              getEnvInt("REDIS_DB", 0),
		JWTSecret:            getEnv("JWT_SECRET", "change-me"),
		AdminPassword:        getEnv("ADMIN_PASSWORD", ""),
		AdminToken:           getEnv("ADMIN_TOKEN", ""),
		TelegramToken:        getEnv("TELEGRAM_TOKEN", ""),
		TelegramDebug:        getEnvBool("TELEGRAM_DEBUG", false),
		LedgerBotID:          getEnvInt64("LEDGER_BOT_ID", 0),
		LedgerChatID:         getEnvInt64("LEDGER_CHAT_ID", 0),
		LedgerTimeout:        getEnvDuration("LEDGER_TIMEOUT", 15*time.Second),
		ConfiscationAccount:  getEnvInt64("CONFISCATION_ACCOUNT_ID", 0),
		ConfiscateAfter:      getEnvDuration("HONGBAO_CONFISCATE_AFTER", 6*time.Hour),
		SweepInterval:        getEnvDuration("HONGBAO_SWEEP_INTERVAL", time.Minute),
		HongbaoTick:          getEnvDuration("HONGBAO_TICK", 100*time.Millisecond),
		RenderEveryTicks:     getEnvInt("HONGBAO_RENDER_EVERY_TICKS", 5),
		DispatchInterval:     getEnvDuration("DISPATCH_INTERVAL", 50*time.Millisecond),
		DispatchQueueSize:    getEnvInt("DISPATCH_QUEUE_SIZE", 1024),
		ClickMaxFrequency:    getEnvInt("CLICK_MAX_FREQUENCY", 2),
		ClickPenaltyTicks:    getEnvInt("CLICK_PENALTY_TICKS", 90),
		ClickSweepInterval:   getEnvDuration("CLICK_SWEEP_INTERVAL", time.Second),
		QualifyUTCOffsetHour: getEnvInt("QUALIFY_UTC_OFFSET_HOURS", 8),
		QualifyResetEnabled:  getEnvBool("QUALIFY_RESET_ENABLED", true),
	}
	if cfg.HongbaoTick < 10*time.Millisecond {
		cfg.HongbaoTick = 10 * time.Millisecond
	}
	if cfg.RenderEveryTicks < 1 {
		cfg.RenderEveryTicks = 1
	}
	if cfg.ClickMaxFrequency < 1 {
		cfg.ClickMaxFrequency = 1
	}
	if cfg.DispatchQueueSize < 16 {
		cfg.DispatchQueueSize = 16
	}
	cfg.AdminIDs = parseIDSet(getEnv("ADMIN_IDS", ""))
	return cfg
}

// Validate reports the first setting the bot cannot run without.
func (c Config) Validate() error {
	if strings.TrimSpace(c.TelegramToken) == "" {
		return errors.New("TELEGRAM_TOKEN must be set")
	}
	if c.LedgerBotID == 0 || c.LedgerChatID == 0 {
		return errors.New("LEDGER_BOT_ID and LEDGER_CHAT_ID must be set")
	}
	// 没收账户为 0 时超时红包永远不会结束
	if c.ConfiscationAccount == 0 {
		return errors.New("CONFISCATION_ACCOUNT_ID must be set")
	}
	if c.ConfiscateAfter <= 0 || c.SweepInterval <= 0 {
		return errors.New("HONGBAO_CONFISCATE_AFTER and HONGBAO_SWEEP_INTERVAL must be positive")
	}
	secret := strings.TrimSpace(c.JWTSecret)
	if secret == "" || secret == "change-me" {
		return errors.New("JWT_SECRET must be set to a non-default value")
	}
	return nil
}

func parseIDSet(val string) map[int64]bool {
	set := make(map[int64]bool)
	for _, item := range strings.Split(val, ",") {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		id, err := strconv.ParseInt(item, 10, 64)
		if err != nil {
			continue
		}
		set[id] = true
	}
	return set
}

func getEnv(key, def string) string {
	val := os.Getenv(key)
	if val == "" {
		return def
	}
	return val
}

func getEnvInt(key string, def int) int {
	val := os.Getenv(key)
	if val == "" {
		return def
	}
	parsed, err := strconv.Atoi(val)
	if err != nil {
		return def
	}
	return parsed
}

func getEnvInt64(key string, def int64) int64 {
	val := os.Getenv(key)
	if val == "" {
		return def
	}
	parsed, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return def
	}
	return parsed
}

// getEnvDuration accepts Go durations ("1.5s") or plain milliseconds.
func getEnvDuration(key string, def time.Duration) time.Duration {
	val := strings.TrimSpace(os.Getenv(key))
	if val == "" {
		return def
	}
	if ms, err := strconv.ParseInt(val, 10, 64); err == nil {
		return time.Duration(ms) * time.Millisecond
	}
	parsed, err := time.ParseDuration(val)
	if err != nil {
		return def
	}
	return parsed
}

func getEnvBool(key string, def bool) bool {
	val := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	if val == "" {
		return def
	}
	switch val {
	case "1", "true", "yes", "y", "on":
		return true
	case "0", "false", "no", "n", "off":
		return false
	default:
		return def
	}
}
