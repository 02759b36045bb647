package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds all runtime settings for the matching engine and its
// collaborators. Every numeric the queue lifecycle depends on lives here
// rather than in code.
type Config struct {
	Queue     *QueueConfig     `json:"queue"`
	AIChat    *AIChatConfig    `json:"ai_chat"`
	HTTP      *HTTPConfig      `json:"http"`
	WebSocket *WebSocketConfig `json:"websocket"`
	Redis     *RedisConfig     `json:"redis"`
	Database  *DatabaseConfig  `json:"database"`
}

// QueueConfig tunes the matching queue sweeps and thresholds.
type QueueConfig struct {
	MatchInterval   time.Duration `json:"match_interval"`   // matcher sweep period
	TimeoutInterval time.Duration `json:"timeout_interval"` // timeout sweep period
	WaitTimeout     time.Duration `json:"wait_timeout"`     // waiting -> ai_chat threshold
	GracePeriod     time.Duration `json:"grace_period"`     // disconnect reconnect window
	ReaperInterval  time.Duration `json:"reaper_interval"`  // stale-disconnect sweep period
}

// AIChatConfig tunes AI conversation sessions. Response limit and the
// disengagement window are drawn per session from the configured ranges.
type AIChatConfig struct {
	ResponseLimitMin   int           `json:"response_limit_min"`
	ResponseLimitMax   int           `json:"response_limit_max"`
	DisengageStartMin  int           `json:"disengage_start_min"`
	DisengageStartMax  int           `json:"disengage_start_max"`
	DisengageProbMin   float64       `json:"disengage_prob_min"`
	DisengageProbMax   float64       `json:"disengage_prob_max"`
	MaxDuration        time.Duration `json:"max_duration"`
	HistoryLimit       int           `json:"history_limit"`
	LowEffortThreshold int           `json:"low_effort_threshold"` // consecutive low-effort messages before early termination
}

type HTTPConfig struct {
	Port         int           `json:"port"`
	Host         string        `json:"host"`
	ReadTimeout  time.Duration `json:"read_timeout"`
	WriteTimeout time.Duration `json:"write_timeout"`
}

type WebSocketConfig struct {
	PingInterval time.Duration `json:"ping_interval"`
	ReadTimeout  time.Duration `json:"read_timeout"`
	WriteTimeout time.Duration `json:"write_timeout"`
	BufferSize   int           `json:"buffer_size"`
}

// RedisConfig points at the best-effort key-value mirror. An empty Addr
// disables it; the engine then runs memory-only.
type RedisConfig struct {
	Addr     string `json:"addr"`
	Password string `json:"password"`
	DB       int    `json:"db"`
}

type DatabaseConfig struct {
	Path    string        `json:"path"`
	Timeout time.Duration `json:"timeout"`
}

// DefaultConfig returns production defaults: 500ms match sweep, 10s wait
// timeout, 30s reconnect grace, AI sessions limited to 5-8 exchanges or 30
// minutes.
func DefaultConfig() *Config {
	return &Config{
		Queue: &QueueConfig{
			MatchInterval:   500 * time.Millisecond,
			TimeoutInterval: time.Second,
			WaitTimeout:     10 * time.Second,
			GracePeriod:     30 * time.Second,
			ReaperInterval:  60 * time.Second,
		},
		AIChat: &AIChatConfig{
			ResponseLimitMin:   5,
			ResponseLimitMax:   8,
			DisengageStartMin:  2,
			DisengageStartMax:  4,
			DisengageProbMin:   0.15,
			DisengageProbMax:   0.35,
			MaxDuration:        30 * time.Minute,
			HistoryLimit:       20,
			LowEffortThreshold: 3,
		},
		HTTP: &HTTPConfig{
			Port:         8080,
			Host:         "0.0.0.0",
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 30 * time.Second,
		},
		WebSocket: &WebSocketConfig{
			PingInterval: 30 * time.Second,
			ReadTimeout:  60 * time.Second,
			WriteTimeout: 10 * time.Second,
			BufferSize:   100,
		},
		Redis: &RedisConfig{
			Addr: "",
		},
		Database: &DatabaseConfig{
			Path:    "./chatmatch.db",
			Timeout: 30 * time.Second,
		},
	}
}

// Validate rejects configurations that would wedge the engine at runtime.
func (c *Config) Validate() error {
	if c.Queue == nil {
		return fmt.Errorf("queue configuration is required")
	}
	if c.Queue.MatchInterval <= 0 {
		return fmt.Errorf("queue match interval must be positive")
	}
	if c.Queue.TimeoutInterval <= 0 {
		return fmt.Errorf("queue timeout interval must be positive")
	}
	if c.Queue.WaitTimeout <= 0 {
		return fmt.Errorf("queue wait timeout must be positive")
	}
	if c.Queue.GracePeriod <= 0 {
		return fmt.Errorf("queue grace period must be positive")
	}
	if c.Queue.ReaperInterval <= 0 {
		return fmt.Errorf("queue reaper interval must be positive")
	}

	if c.AIChat == nil {
		return fmt.Errorf("ai_chat configuration is required")
	}
	if c.AIChat.ResponseLimitMin < 1 {
		return fmt.Errorf("ai_chat response limit minimum must be at least 1")
	}
	if c.AIChat.ResponseLimitMax < c.AIChat.ResponseLimitMin {
		return fmt.Errorf("ai_chat response limit range is inverted")
	}
	if c.AIChat.DisengageStartMax < c.AIChat.DisengageStartMin {
		return fmt.Errorf("ai_chat disengage start range is inverted")
	}
	if c.AIChat.DisengageProbMin < 0 || c.AIChat.DisengageProbMax > 1 ||
		c.AIChat.DisengageProbMax < c.AIChat.DisengageProbMin {
		return fmt.Errorf("ai_chat disengage probability range must be within [0,1]")
	}
	if c.AIChat.MaxDuration <= 0 {
		return fmt.Errorf("ai_chat max duration must be positive")
	}
	if c.AIChat.HistoryLimit <= 0 {
		return fmt.Errorf("ai_chat history limit must be positive")
	}
	if c.AIChat.LowEffortThreshold <= 0 {
		return fmt.Errorf("ai_chat low-effort threshold must be positive")
	}

	if c.HTTP == nil {
		return fmt.Errorf("HTTP configuration is required")
	}
	if c.HTTP.Port <= 0 || c.HTTP.Port > 65535 {
		return fmt.Errorf("HTTP port must be between 1 and 65535")
	}
	if c.HTTP.Host == "" {
		return fmt.Errorf("HTTP host cannot be empty")
	}
	if c.HTTP.ReadTimeout <= 0 || c.HTTP.WriteTimeout <= 0 {
		return fmt.Errorf("HTTP timeouts must be positive")
	}

	if c.WebSocket == nil {
		return fmt.Errorf("WebSocket configuration is required")
	}
	if c.WebSocket.PingInterval <= 0 || c.WebSocket.ReadTimeout <= 0 || c.WebSocket.WriteTimeout <= 0 {
		return fmt.Errorf("WebSocket timeouts must be positive")
	}
	if c.WebSocket.BufferSize <= 0 {
		return fmt.Errorf("WebSocket buffer size must be positive")
	}

	if c.Database == nil {
		return fmt.Errorf("database configuration is required")
	}
	if c.Database.Path == "" {
		return fmt.Errorf("database path cannot be empty")
	}
	if c.Database.Timeout <= 0 {
		return fmt.Errorf("database timeout must be positive")
	}

	return nil
}

// LoadFromEnv returns the defaults overridden by CHATMATCH_* environment
// variables. Unparseable values fall back silently to the default.
func LoadFromEnv() *Config {
	config := DefaultConfig()

	if port := os.Getenv("CHATMATCH_HTTP_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			config.HTTP.Port = p
		}
	}
	if host := os.Getenv("CHATMATCH_HTTP_HOST"); host != "" {
		config.HTTP.Host = host
	}

	envDuration(&config.Queue.MatchInterval, "CHATMATCH_QUEUE_MATCH_INTERVAL")
	envDuration(&config.Queue.TimeoutInterval, "CHATMATCH_QUEUE_TIMEOUT_INTERVAL")
	envDuration(&config.Queue.WaitTimeout, "CHATMATCH_QUEUE_WAIT_TIMEOUT")
	envDuration(&config.Queue.GracePeriod, "CHATMATCH_QUEUE_GRACE_PERIOD")
	envDuration(&config.Queue.ReaperInterval, "CHATMATCH_QUEUE_REAPER_INTERVAL")

	envInt(&config.AIChat.ResponseLimitMin, "CHATMATCH_AI_RESPONSE_LIMIT_MIN")
	envInt(&config.AIChat.ResponseLimitMax, "CHATMATCH_AI_RESPONSE_LIMIT_MAX")
	envDuration(&config.AIChat.MaxDuration, "CHATMATCH_AI_MAX_DURATION")
	envInt(&config.AIChat.HistoryLimit, "CHATMATCH_AI_HISTORY_LIMIT")

	if addr := os.Getenv("CHATMATCH_REDIS_ADDR"); addr != "" {
		config.Redis.Addr = addr
	}
	if pass := os.Getenv("CHATMATCH_REDIS_PASSWORD"); pass != "" {
		config.Redis.Password = pass
	}
	if db := os.Getenv("CHATMATCH_REDIS_DB"); db != "" {
		if n, err := strconv.Atoi(db); err == nil {
			config.Redis.DB = n
		}
	}

	if dbPath := os.Getenv("CHATMATCH_DATABASE_PATH"); dbPath != "" {
		config.Database.Path = dbPath
	}
	envDuration(&config.Database.Timeout, "CHATMATCH_DATABASE_TIMEOUT")

	return config
}

func envDuration(target *time.Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*target = d
		}
	}
}

func envInt(target *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*target = n
		}
	}
}

// configFile mirrors Config with string durations for JSON parsing.
type configFile struct {
	Queue *struct {
		MatchInterval   string `json:"match_interval"`
		TimeoutInterval string `json:"timeout_interval"`
		WaitTimeout     string `json:"wait_timeout"`
		GracePeriod     string `json:"grace_period"`
		ReaperInterval  string `json:"reaper_interval"`
	} `json:"queue"`
	AIChat *struct {
		ResponseLimitMin   int     `json:"response_limit_min"`
		ResponseLimitMax   int     `json:"response_limit_max"`
		DisengageStartMin  int     `json:"disengage_start_min"`
		DisengageStartMax  int     `json:"disengage_start_max"`
		DisengageProbMin   float64 `json:"disengage_prob_min"`
		DisengageProbMax   float64 `json:"disengage_prob_max"`
		MaxDuration        string  `json:"max_duration"`
		HistoryLimit       int     `json:"history_limit"`
		LowEffortThreshold int     `json:"low_effort_threshold"`
	} `json:"ai_chat"`
	HTTP *struct {
		Port         int    `json:"port"`
		Host         string `json:"host"`
		ReadTimeout  string `json:"read_timeout"`
		WriteTimeout string `json:"write_timeout"`
	} `json:"http"`
	WebSocket *struct {
		PingInterval string `json:"ping_interval"`
		ReadTimeout  string `json:"read_timeout"`
		WriteTimeout string `json:"write_timeout"`
		BufferSize   int    `json:"buffer_size"`
	} `json:"websocket"`
	Redis *struct {
		Addr     string `json:"addr"`
		Password string `json:"password"`
		DB       int    `json:"db"`
	} `json:"redis"`
	Database *struct {
		Path    string `json:"path"`
		Timeout string `json:"timeout"`
	} `json:"database"`
}

// LoadFromFile parses a JSON config file on top of the defaults and
// validates the result.
func LoadFromFile(filepath string) (*Config, error) {
	data, err := os.ReadFile(filepath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", filepath, err)
	}

	var file configFile
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", filepath, err)
	}

	config := DefaultConfig()

	if file.Queue != nil {
		parseDuration(&config.Queue.MatchInterval, file.Queue.MatchInterval)
		parseDuration(&config.Queue.TimeoutInterval, file.Queue.TimeoutInterval)
		parseDuration(&config.Queue.WaitTimeout, file.Queue.WaitTimeout)
		parseDuration(&config.Queue.GracePeriod, file.Queue.GracePeriod)
		parseDuration(&config.Queue.ReaperInterval, file.Queue.ReaperInterval)
	}
	if file.AIChat != nil {
		if file.AIChat.ResponseLimitMin > 0 {
			config.AIChat.ResponseLimitMin = file.AIChat.ResponseLimitMin
		}
		if file.AIChat.ResponseLimitMax > 0 {
			config.AIChat.ResponseLimitMax = file.AIChat.ResponseLimitMax
		}
		if file.AIChat.DisengageStartMin > 0 {
			config.AIChat.DisengageStartMin = file.AIChat.DisengageStartMin
		}
		if file.AIChat.DisengageStartMax > 0 {
			config.AIChat.DisengageStartMax = file.AIChat.DisengageStartMax
		}
		if file.AIChat.DisengageProbMin > 0 {
			config.AIChat.DisengageProbMin = file.AIChat.DisengageProbMin
		}
		if file.AIChat.DisengageProbMax > 0 {
			config.AIChat.DisengageProbMax = file.AIChat.DisengageProbMax
		}
		parseDuration(&config.AIChat.MaxDuration, file.AIChat.MaxDuration)
		if file.AIChat.HistoryLimit > 0 {
			config.AIChat.HistoryLimit = file.AIChat.HistoryLimit
		}
		if file.AIChat.LowEffortThreshold > 0 {
			config.AIChat.LowEffortThreshold = file.AIChat.LowEffortThreshold
		}
	}
	if file.HTTP != nil {
		if file.HTTP.Port > 0 {
			config.HTTP.Port = file.HTTP.Port
		}
		if file.HTTP.Host != "" {
			config.HTTP.Host = file.HTTP.Host
		}
		parseDuration(&config.HTTP.ReadTimeout, file.HTTP.ReadTimeout)
		parseDuration(&config.HTTP.WriteTimeout, file.HTTP.WriteTimeout)
	}
	if file.WebSocket != nil {
		if file.WebSocket.BufferSize > 0 {
			config.WebSocket.BufferSize = file.WebSocket.BufferSize
		}
		parseDuration(&config.WebSocket.PingInterval, file.WebSocket.PingInterval)
		parseDuration(&config.WebSocket.ReadTimeout, file.WebSocket.ReadTimeout)
		parseDuration(&config.WebSocket.WriteTimeout, file.WebSocket.WriteTimeout)
	}
	if file.Redis != nil {
		config.Redis.Addr = file.Redis.Addr
		config.Redis.Password = file.Redis.Password
		config.Redis.DB = file.Redis.DB
	}
	if file.Database != nil {
		if file.Database.Path != "" {
			config.Database.Path = file.Database.Path
		}
		parseDuration(&config.Database.Timeout, file.Database.Timeout)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration in %s: %w", filepath, err)
	}

	return config, nil
}

func parseDuration(target *time.Duration, value string) {
	if value == "" {
		return
	}
	if d, err := time.ParseDuration(value); err == nil {
		*target = d
	}
}

// LoadWithPrecedence resolves configuration as file > environment > defaults.
// A missing or broken file falls back to the environment layer.
func LoadWithPrecedence(filepath string) *Config {
	config := LoadFromEnv()

	if filepath != "" {
		if fileConfig, err := LoadFromFile(filepath); err == nil {
			config = fileConfig
		}
	}

	return config
}
