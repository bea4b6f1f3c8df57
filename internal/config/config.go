package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

type TelemetryConfig struct {
	LogLevel       string `yaml:"log_level"`
	OTLPEndpoint   string `yaml:"otlp_endpoint"`
	OTLPInsecure   bool   `yaml:"otlp_insecure"`
	PrometheusBind string `yaml:"prometheus_bind"`
}

type HTTPConfig struct {
	Bind string `yaml:"bind"`
	Port int    `yaml:"port"`
}

type Config struct {
	RuntimeName string          `yaml:"runtime_name"`
	Environment string          `yaml:"environment"`
	HTTP        HTTPConfig      `yaml:"http"`
	Telemetry   TelemetryConfig `yaml:"telemetry"`
	Bus         BusConfig       `yaml:"bus"`
	Store       StoreConfig     `yaml:"store"`
	Tokens      TokensConfig    `yaml:"tokens"`
	LLM         LLMConfig       `yaml:"llm"`
	TTS         TTSConfig       `yaml:"tts"`
	Pipeline    PipelineConfig  `yaml:"pipeline"`
	Ledger      LedgerConfig    `yaml:"ledger"`
	Sentiment   SentimentConfig `yaml:"sentiment"`
	Router      RouterConfig    `yaml:"router"`
	API         APIConfig       `yaml:"api"`
}

type BusConfig struct {
	Enabled        bool     `yaml:"enabled"`
	Embedded       bool     `yaml:"embedded"`
	Port           int      `yaml:"port"`
	StoreDir       string   `yaml:"store_dir"`
	Servers        []string `yaml:"servers"`
	Username       string   `yaml:"username"`
	Password       string   `yaml:"password"`
	Token          string   `yaml:"token"`
	TLSInsecure    bool     `yaml:"tls_insecure"`
	ConnectTimeout int      `yaml:"connect_timeout_ms"`
}

// StoreConfig locates the sqlite metadata database and the audio blob directory.
type StoreConfig struct {
	Path          string `yaml:"path"`
	BlobDir       string `yaml:"blob_dir"`
	RetentionDays int    `yaml:"retention_days"`
	VacuumOnStart bool   `yaml:"vacuum_on_start"`
}

type TokensConfig struct {
	Driver          string `yaml:"driver"` // memory, redis
	TTLSeconds      int    `yaml:"ttl_seconds"`
	JanitorInterval int    `yaml:"janitor_interval_ms"`
	RedisAddr       string `yaml:"redis_addr"`
	RedisPassword   string `yaml:"redis_password"`
	RedisDB         int    `yaml:"redis_db"`
	KeyPrefix       string `yaml:"key_prefix"`
}

type LLMConfig struct {
	Mode                string  `yaml:"mode"` // mock, ollama, exec
	Endpoint            string  `yaml:"endpoint"`
	Command             string  `yaml:"command"`
	ModelFast           string  `yaml:"model_fast"`
	ModelBalanced       string  `yaml:"model_balanced"`
	DefaultTier         string  `yaml:"default_tier"`
	DraftTier           string  `yaml:"draft_tier"`
	MaxTokens           int     `yaml:"max_tokens"`
	DraftMaxTokens      int     `yaml:"draft_max_tokens"`
	Temperature         float64 `yaml:"temperature"`
	Language            string  `yaml:"language"`
	EndCallTool         bool    `yaml:"end_call_tool"`
	PromptCostPer1K     float64 `yaml:"prompt_cost_per_1k"`
	CompletionCostPer1K float64 `yaml:"completion_cost_per_1k"`
}

type TTSConfig struct {
	Mode         string  `yaml:"mode"` // mock, exec, elevenlabs
	Command      string  `yaml:"command"`
	Endpoint     string  `yaml:"endpoint"`
	APIKey       string  `yaml:"api_key"`
	VoiceID      string  `yaml:"voice_id"`
	ModelID      string  `yaml:"model_id"`
	Stability    float64 `yaml:"stability"`
	Similarity   float64 `yaml:"similarity"`
	OutputFormat string  `yaml:"output_format"`
	SampleRate   int     `yaml:"sample_rate"`
	Channels     int     `yaml:"channels"`
	TimeoutMS    int     `yaml:"timeout_ms"`
}

// PipelineConfig holds the chunking and latency policy of a turn.
type PipelineConfig struct {
	ChunkMinChars    int    `yaml:"chunk_min_chars"`
	ChunkMaxChars    int    `yaml:"chunk_max_chars"`
	EscapeAfterMS    int    `yaml:"escape_after_ms"`
	EscapeMinChars   int    `yaml:"escape_min_chars"`
	EscapeMaxChars   int    `yaml:"escape_max_chars"`
	FallbackFarewell string `yaml:"fallback_farewell"`
	TurnTimeoutMS    int    `yaml:"turn_timeout_ms"`
}

type LedgerConfig struct {
	SweepIntervalMS     int `yaml:"sweep_interval_ms"`
	TemporaryTTLMinutes int `yaml:"temporary_ttl_minutes"`
	PreviewTTLMinutes   int `yaml:"preview_ttl_minutes"`
	MergeConcurrency    int `yaml:"merge_concurrency"`
}

type SentimentConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Mode      string `yaml:"mode"` // mock, http
	Endpoint  string `yaml:"endpoint"`
	TimeoutMS int    `yaml:"timeout_ms"`
}

type RouterConfig struct {
	Enabled bool `yaml:"enabled"`
}

type APIConfig struct {
	PublicBaseURL string  `yaml:"public_base_url"`
	DeliveryRPS   float64 `yaml:"delivery_rps"`
	DeliveryBurst int     `yaml:"delivery_burst"`
}

func Default() Config {
	return Config{
		RuntimeName: "loqa-voice",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind: "0.0.0.0",
			Port: 8080,
		},
		Telemetry: TelemetryConfig{
			LogLevel:       "info",
			OTLPEndpoint:   "",
			OTLPInsecure:   true,
			PrometheusBind: ":9091",
		},
		Bus: BusConfig{
			Enabled:        false,
			Embedded:       true,
			Port:           4222,
			StoreDir:       "./data/nats",
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
		},
		Store: StoreConfig{
			Path:          "./data/loqa-voice.db",
			BlobDir:       "./data/segments",
			RetentionDays: 30,
		},
		Tokens: TokensConfig{
			Driver:          "memory",
			TTLSeconds:      300,
			JanitorInterval: 30000,
			RedisAddr:       "localhost:6379",
			KeyPrefix:       "loqa:delivery:",
		},
		LLM: LLMConfig{
			Mode:           "mock",
			Endpoint:       "http://localhost:11434",
			ModelFast:      "llama3.2:1b",
			ModelBalanced:  "llama3.2:latest",
			DefaultTier:    "balanced",
			DraftTier:      "fast",
			MaxTokens:      256,
			DraftMaxTokens: 48,
			Temperature:    0.7,
			Language:       "English",
			EndCallTool:    true,
		},
		TTS: TTSConfig{
			Mode:         "mock",
			Endpoint:     "https://api.elevenlabs.io",
			VoiceID:      "21m00Tcm4TlvDq8ikWAM",
			ModelID:      "eleven_turbo_v2_5",
			Stability:    0.5,
			Similarity:   0.75,
			OutputFormat: "mp3_44100_128",
			SampleRate:   44100,
			Channels:     1,
			TimeoutMS:    30000,
		},
		Pipeline: PipelineConfig{
			ChunkMinChars:    22,
			ChunkMaxChars:    160,
			EscapeAfterMS:    650,
			EscapeMinChars:   18,
			EscapeMaxChars:   120,
			FallbackFarewell: "Thanks for calling. Goodbye!",
			TurnTimeoutMS:    120000,
		},
		Ledger: LedgerConfig{
			SweepIntervalMS:     60000,
			TemporaryTTLMinutes: 24 * 60,
			PreviewTTLMinutes:   60,
			MergeConcurrency:    4,
		},
		Sentiment: SentimentConfig{
			Enabled:   false,
			Mode:      "mock",
			TimeoutMS: 400,
		},
		Router: RouterConfig{
			Enabled: true,
		},
		API: APIConfig{
			PublicBaseURL: "http://localhost:8080",
			DeliveryRPS:   5,
			DeliveryBurst: 10,
		},
	}
}

func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				return cfg, fmt.Errorf("config file not found: %w", err)
			}
			return cfg, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	overrideString(&cfg.RuntimeName, "LOQA_RUNTIME_NAME")
	overrideString(&cfg.Environment, "LOQA_RUNTIME_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "LOQA_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "LOQA_HTTP_PORT")
	overrideString(&cfg.Telemetry.LogLevel, "LOQA_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "LOQA_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "LOQA_TELEMETRY_OTLP_INSECURE")
	overrideString(&cfg.Telemetry.PrometheusBind, "LOQA_TELEMETRY_PROMETHEUS_BIND")
	overrideBool(&cfg.Bus.Enabled, "LOQA_BUS_ENABLED")
	overrideBool(&cfg.Bus.Embedded, "LOQA_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "LOQA_BUS_PORT")
	overrideString(&cfg.Bus.StoreDir, "LOQA_BUS_STORE_DIR")
	overrideStringSlice(&cfg.Bus.Servers, "LOQA_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "LOQA_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "LOQA_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "LOQA_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "LOQA_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "LOQA_BUS_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.Store.Path, "LOQA_STORE_PATH")
	overrideString(&cfg.Store.BlobDir, "LOQA_STORE_BLOB_DIR")
	overrideInt(&cfg.Store.RetentionDays, "LOQA_STORE_RETENTION_DAYS")
	overrideBool(&cfg.Store.VacuumOnStart, "LOQA_STORE_VACUUM_ON_START")
	overrideString(&cfg.Tokens.Driver, "LOQA_TOKENS_DRIVER")
	overrideInt(&cfg.Tokens.TTLSeconds, "LOQA_TOKENS_TTL_SECONDS")
	overrideInt(&cfg.Tokens.JanitorInterval, "LOQA_TOKENS_JANITOR_INTERVAL_MS")
	overrideString(&cfg.Tokens.RedisAddr, "LOQA_TOKENS_REDIS_ADDR")
	overrideString(&cfg.Tokens.RedisPassword, "LOQA_TOKENS_REDIS_PASSWORD")
	overrideInt(&cfg.Tokens.RedisDB, "LOQA_TOKENS_REDIS_DB")
	overrideString(&cfg.Tokens.KeyPrefix, "LOQA_TOKENS_KEY_PREFIX")
	overrideString(&cfg.LLM.Mode, "LOQA_LLM_MODE")
	overrideString(&cfg.LLM.Endpoint, "LOQA_LLM_ENDPOINT")
	overrideString(&cfg.LLM.Command, "LOQA_LLM_COMMAND")
	overrideString(&cfg.LLM.ModelFast, "LOQA_LLM_MODEL_FAST")
	overrideString(&cfg.LLM.ModelBalanced, "LOQA_LLM_MODEL_BALANCED")
	overrideString(&cfg.LLM.DefaultTier, "LOQA_LLM_DEFAULT_TIER")
	overrideString(&cfg.LLM.DraftTier, "LOQA_LLM_DRAFT_TIER")
	overrideInt(&cfg.LLM.MaxTokens, "LOQA_LLM_MAX_TOKENS")
	overrideInt(&cfg.LLM.DraftMaxTokens, "LOQA_LLM_DRAFT_MAX_TOKENS")
	overrideFloat(&cfg.LLM.Temperature, "LOQA_LLM_TEMPERATURE")
	overrideString(&cfg.LLM.Language, "LOQA_LLM_LANGUAGE")
	overrideBool(&cfg.LLM.EndCallTool, "LOQA_LLM_END_CALL_TOOL")
	overrideFloat(&cfg.LLM.PromptCostPer1K, "LOQA_LLM_PROMPT_COST_PER_1K")
	overrideFloat(&cfg.LLM.CompletionCostPer1K, "LOQA_LLM_COMPLETION_COST_PER_1K")
	overrideString(&cfg.TTS.Mode, "LOQA_TTS_MODE")
	overrideString(&cfg.TTS.Command, "LOQA_TTS_COMMAND")
	overrideString(&cfg.TTS.Endpoint, "LOQA_TTS_ENDPOINT")
	overrideString(&cfg.TTS.APIKey, "LOQA_TTS_API_KEY")
	overrideString(&cfg.TTS.VoiceID, "LOQA_TTS_VOICE_ID")
	overrideString(&cfg.TTS.ModelID, "LOQA_TTS_MODEL_ID")
	overrideFloat(&cfg.TTS.Stability, "LOQA_TTS_STABILITY")
	overrideFloat(&cfg.TTS.Similarity, "LOQA_TTS_SIMILARITY")
	overrideString(&cfg.TTS.OutputFormat, "LOQA_TTS_OUTPUT_FORMAT")
	overrideInt(&cfg.TTS.SampleRate, "LOQA_TTS_SAMPLE_RATE")
	overrideInt(&cfg.TTS.Channels, "LOQA_TTS_CHANNELS")
	overrideInt(&cfg.TTS.TimeoutMS, "LOQA_TTS_TIMEOUT_MS")
	overrideInt(&cfg.Pipeline.ChunkMinChars, "LOQA_PIPELINE_CHUNK_MIN_CHARS")
	overrideInt(&cfg.Pipeline.ChunkMaxChars, "LOQA_PIPELINE_CHUNK_MAX_CHARS")
	overrideInt(&cfg.Pipeline.EscapeAfterMS, "LOQA_PIPELINE_ESCAPE_AFTER_MS")
	overrideInt(&cfg.Pipeline.EscapeMinChars, "LOQA_PIPELINE_ESCAPE_MIN_CHARS")
	overrideInt(&cfg.Pipeline.EscapeMaxChars, "LOQA_PIPELINE_ESCAPE_MAX_CHARS")
	overrideString(&cfg.Pipeline.FallbackFarewell, "LOQA_PIPELINE_FALLBACK_FAREWELL")
	overrideInt(&cfg.Pipeline.TurnTimeoutMS, "LOQA_PIPELINE_TURN_TIMEOUT_MS")
	overrideInt(&cfg.Ledger.SweepIntervalMS, "LOQA_LEDGER_SWEEP_INTERVAL_MS")
	overrideInt(&cfg.Ledger.TemporaryTTLMinutes, "LOQA_LEDGER_TEMPORARY_TTL_MINUTES")
	overrideInt(&cfg.Ledger.PreviewTTLMinutes, "LOQA_LEDGER_PREVIEW_TTL_MINUTES")
	overrideInt(&cfg.Ledger.MergeConcurrency, "LOQA_LEDGER_MERGE_CONCURRENCY")
	overrideBool(&cfg.Sentiment.Enabled, "LOQA_SENTIMENT_ENABLED")
	overrideString(&cfg.Sentiment.Mode, "LOQA_SENTIMENT_MODE")
	overrideString(&cfg.Sentiment.Endpoint, "LOQA_SENTIMENT_ENDPOINT")
	overrideInt(&cfg.Sentiment.TimeoutMS, "LOQA_SENTIMENT_TIMEOUT_MS")
	overrideBool(&cfg.Router.Enabled, "LOQA_ROUTER_ENABLED")
	overrideString(&cfg.API.PublicBaseURL, "LOQA_API_PUBLIC_BASE_URL")
	overrideFloat(&cfg.API.DeliveryRPS, "LOQA_API_DELIVERY_RPS")
	overrideInt(&cfg.API.DeliveryBurst, "LOQA_API_DELIVERY_BURST")
}

func overrideString(target *string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok && strings.TrimSpace(value) != "" {
		*target = value
	}
}

func overrideInt(target *int, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.Atoi(value); err == nil {
			*target = parsed
		}
	}
}

func overrideBool(target *bool, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseBool(value); err == nil {
			*target = parsed
		}
	}
}

func overrideStringSlice(target *[]string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		parts := strings.Split(value, ",")
		var trimmed []string
		for _, p := range parts {
			if s := strings.TrimSpace(p); s != "" {
				trimmed = append(trimmed, s)
			}
		}
		if len(trimmed) > 0 {
			*target = trimmed
		}
	}
}

func overrideFloat(target *float64, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
			*target = parsed
		}
	}
}

func validate(cfg Config) error {
	if cfg.RuntimeName == "" {
		return errors.New("runtime_name must not be empty")
	}
	if cfg.HTTP.Port <= 0 || cfg.HTTP.Port > 65535 {
		return errors.New("http.port must be between 1 and 65535")
	}
	if cfg.Bus.Enabled {
		if cfg.Bus.Embedded {
			if cfg.Bus.Port <= 0 || cfg.Bus.Port > 65535 {
				return errors.New("bus.port must be between 1 and 65535 when embedded mode is enabled")
			}
		} else if len(cfg.Bus.Servers) == 0 {
			return errors.New("bus.servers must not be empty when embedded mode is disabled")
		}
	}
	if cfg.Store.Path == "" {
		return errors.New("store.path must not be empty")
	}
	if cfg.Store.BlobDir == "" {
		return errors.New("store.blob_dir must not be empty")
	}
	if cfg.Store.RetentionDays < 0 {
		return errors.New("store.retention_days must be >= 0")
	}
	if cfg.Telemetry.PrometheusBind == "" {
		return errors.New("telemetry.prometheus_bind must not be empty")
	}
	switch cfg.Tokens.Driver {
	case "memory":
	case "redis":
		if cfg.Tokens.RedisAddr == "" {
			return errors.New("tokens.redis_addr must be set when driver=redis")
		}
	default:
		return errors.New("tokens.driver must be one of memory|redis")
	}
	if cfg.Tokens.TTLSeconds <= 0 {
		return errors.New("tokens.ttl_seconds must be positive")
	}
	switch cfg.LLM.Mode {
	case "mock", "ollama", "exec":
	default:
		return errors.New("llm.mode must be one of mock|ollama|exec")
	}
	if cfg.LLM.Mode == "ollama" && cfg.LLM.Endpoint == "" {
		return errors.New("llm.endpoint must be set when mode=ollama")
	}
	if cfg.LLM.Mode == "exec" && cfg.LLM.Command == "" {
		return errors.New("llm.command must be set when mode=exec")
	}
	if cfg.LLM.MaxTokens < 0 || cfg.LLM.DraftMaxTokens < 0 {
		return errors.New("llm.max_tokens and llm.draft_max_tokens must be >= 0")
	}
	if cfg.LLM.PromptCostPer1K < 0 || cfg.LLM.CompletionCostPer1K < 0 {
		return errors.New("llm token pricing must be >= 0")
	}
	switch cfg.TTS.Mode {
	case "mock", "exec", "elevenlabs":
	default:
		return errors.New("tts.mode must be one of mock|exec|elevenlabs")
	}
	if cfg.TTS.Mode == "exec" && cfg.TTS.Command == "" {
		return errors.New("tts.command must be set when mode=exec")
	}
	if cfg.TTS.Mode == "elevenlabs" && cfg.TTS.APIKey == "" {
		return errors.New("tts.api_key must be set when mode=elevenlabs")
	}
	if cfg.TTS.Stability < 0 || cfg.TTS.Stability > 1 {
		return errors.New("tts.stability must be within [0,1]")
	}
	if cfg.TTS.Similarity < 0 || cfg.TTS.Similarity > 1 {
		return errors.New("tts.similarity must be within [0,1]")
	}
	if cfg.TTS.SampleRate <= 0 {
		return errors.New("tts.sample_rate must be positive")
	}
	if cfg.TTS.Channels <= 0 {
		return errors.New("tts.channels must be positive")
	}
	if cfg.Pipeline.ChunkMinChars <= 0 {
		return errors.New("pipeline.chunk_min_chars must be positive")
	}
	if cfg.Pipeline.ChunkMaxChars <= cfg.Pipeline.ChunkMinChars {
		return errors.New("pipeline.chunk_max_chars must be greater than chunk_min_chars")
	}
	if cfg.Pipeline.EscapeAfterMS < 0 {
		return errors.New("pipeline.escape_after_ms must be >= 0")
	}
	if cfg.Pipeline.EscapeMaxChars <= 0 || cfg.Pipeline.EscapeMinChars <= 0 {
		return errors.New("pipeline escape thresholds must be positive")
	}
	if strings.TrimSpace(cfg.Pipeline.FallbackFarewell) == "" {
		return errors.New("pipeline.fallback_farewell must not be empty")
	}
	if cfg.Ledger.SweepIntervalMS <= 0 {
		return errors.New("ledger.sweep_interval_ms must be positive")
	}
	if cfg.Ledger.TemporaryTTLMinutes <= 0 || cfg.Ledger.PreviewTTLMinutes <= 0 {
		return errors.New("ledger ttl values must be positive")
	}
	if cfg.Sentiment.Enabled {
		switch cfg.Sentiment.Mode {
		case "mock":
		case "http":
			if cfg.Sentiment.Endpoint == "" {
				return errors.New("sentiment.endpoint must be set when mode=http")
			}
		default:
			return errors.New("sentiment.mode must be one of mock|http")
		}
	}
	if cfg.API.DeliveryRPS <= 0 || cfg.API.DeliveryBurst <= 0 {
		return errors.New("api.delivery_rps and api.delivery_burst must be positive")
	}
	return nil
}
