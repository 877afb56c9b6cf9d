package model

import "time"

// Config holds the complete lexledger configuration
type Config struct {
	Store      StoreConfig      `yaml:"store" mapstructure:"store"`
	Cache      CacheConfig      `yaml:"cache" mapstructure:"cache"`
	HTTP       HTTPConfig       `yaml:"http" mapstructure:"http"`
	LLM        LLMConfig        `yaml:"llm" mapstructure:"llm"`
	Extraction ExtractionConfig `yaml:"extraction" mapstructure:"extraction"`
	Queue      QueueConfig      `yaml:"queue" mapstructure:"queue"`
	Staleness  StalenessConfig  `yaml:"staleness" mapstructure:"staleness"`
	Arbiter    ArbiterConfig    `yaml:"arbiter" mapstructure:"arbiter"`
	Authority  AuthorityConfig  `yaml:"authority" mapstructure:"authority"`
	Predicates PredicateConfig  `yaml:"predicates" mapstructure:"predicates"`
	Gateway    GatewayConfig    `yaml:"gateway" mapstructure:"gateway"`
	Server     ServerConfig     `yaml:"server" mapstructure:"server"`
	Locking    LockingConfig    `yaml:"locking" mapstructure:"locking"`
	Topics     []TopicSchema    `yaml:"topics" mapstructure:"topics"`
}

// StoreConfig selects the database backend
type StoreConfig struct {
	Driver string `yaml:"driver" mapstructure:"driver"` // "sqlite" or "postgres"
	DSN    string `yaml:"dsn" mapstructure:"dsn"`
}

// CacheConfig controls the evidence content cache
type CacheConfig struct {
	Enabled   bool          `yaml:"enabled" mapstructure:"enabled"`
	MemoryTTL time.Duration `yaml:"memory_ttl" mapstructure:"memory_ttl"`
	DiskDir   string        `yaml:"disk_dir" mapstructure:"disk_dir"`
	DiskTTL   time.Duration `yaml:"disk_ttl" mapstructure:"disk_ttl"`
}

// HTTPConfig configures the convenience fetcher and re-verification
type HTTPConfig struct {
	Timeout       time.Duration `yaml:"timeout" mapstructure:"timeout"`
	UserAgent     string        `yaml:"user_agent" mapstructure:"user_agent"`
	MaxBodyBytes  int64         `yaml:"max_body_bytes" mapstructure:"max_body_bytes"`
	HTTPProxy     string        `yaml:"http_proxy,omitempty" mapstructure:"http_proxy"`
	HTTPSProxy    string        `yaml:"https_proxy,omitempty" mapstructure:"https_proxy"`
	NoProxy       string        `yaml:"no_proxy,omitempty" mapstructure:"no_proxy"`
	RespectRobots bool          `yaml:"respect_robots" mapstructure:"respect_robots"`
}

// LLMConfig configures the extraction model client
type LLMConfig struct {
	Provider  string        `yaml:"provider" mapstructure:"provider"` // openai, ollama
	Model     string        `yaml:"model" mapstructure:"model"`
	APIKey    string        `yaml:"api_key,omitempty" mapstructure:"api_key"`
	BaseURL   string        `yaml:"base_url,omitempty" mapstructure:"base_url"`
	Timeout   time.Duration `yaml:"timeout" mapstructure:"timeout"`
	MaxTokens int           `yaml:"max_tokens" mapstructure:"max_tokens"`
}

// ExtractionConfig bounds calls to the extraction service
type ExtractionConfig struct {
	MinConfidence     float64       `yaml:"min_confidence" mapstructure:"min_confidence"`
	MaxAttempts       int           `yaml:"max_attempts" mapstructure:"max_attempts"`
	RequestTimeout    time.Duration `yaml:"request_timeout" mapstructure:"request_timeout"`
	RequestsPerSecond float64       `yaml:"requests_per_second" mapstructure:"requests_per_second"`
	Burst             int           `yaml:"burst" mapstructure:"burst"`
	MaxInputChars     int           `yaml:"max_input_chars" mapstructure:"max_input_chars"`
}

// QueueConfig configures the durable work queue and stage pools
type QueueConfig struct {
	ExtractWorkers int           `yaml:"extract_workers" mapstructure:"extract_workers"`
	ComposeWorkers int           `yaml:"compose_workers" mapstructure:"compose_workers"`
	GraphWorkers   int           `yaml:"graph_workers" mapstructure:"graph_workers"`
	PollInterval   time.Duration `yaml:"poll_interval" mapstructure:"poll_interval"`
	MaxAttempts    int           `yaml:"max_attempts" mapstructure:"max_attempts"`
	BaseBackoff    time.Duration `yaml:"base_backoff" mapstructure:"base_backoff"`
	MaxBackoff     time.Duration `yaml:"max_backoff" mapstructure:"max_backoff"`
	MaxJitter      time.Duration `yaml:"max_jitter" mapstructure:"max_jitter"`
	StaleAfter     time.Duration `yaml:"stale_after" mapstructure:"stale_after"`
}

// StalenessConfig maps tier names to re-verification thresholds
type StalenessConfig struct {
	Thresholds map[string]time.Duration `yaml:"thresholds" mapstructure:"thresholds"`
	Default    time.Duration            `yaml:"default" mapstructure:"default"`
}

// ArbiterConfig tunes conflict detection and resolution
type ArbiterConfig struct {
	Margin            float64            `yaml:"margin" mapstructure:"margin"`
	HighAuthorityTier string             `yaml:"high_authority_tier" mapstructure:"high_authority_tier"`
	RecencyWeight     float64            `yaml:"recency_weight" mapstructure:"recency_weight"`
	RecencyHorizon    time.Duration      `yaml:"recency_horizon" mapstructure:"recency_horizon"`
	Tolerances        map[string]float64 `yaml:"tolerances" mapstructure:"tolerances"` // per value type
}

// AuthorityConfig points at the declarative authority mapping table
type AuthorityConfig struct {
	MappingFile string            `yaml:"mapping_file,omitempty" mapstructure:"mapping_file"`
	Mapping     *AuthorityMapping `yaml:"mapping,omitempty" mapstructure:"mapping"`
}

// AuthorityMapping is a versioned table from source attributes to tier.
// Rules are evaluated in order; the first match wins.
type AuthorityMapping struct {
	Version     string          `yaml:"version" mapstructure:"version"`
	DefaultTier string          `yaml:"default_tier" mapstructure:"default_tier"`
	Rules       []AuthorityRule `yaml:"rules" mapstructure:"rules"`
}

// AuthorityRule matches source attributes; empty fields match anything
type AuthorityRule struct {
	Name         string `yaml:"name" mapstructure:"name"`
	Host         string `yaml:"host,omitempty" mapstructure:"host"` // exact host or parent domain
	PathPrefix   string `yaml:"path_prefix,omitempty" mapstructure:"path_prefix"`
	Publisher    string `yaml:"publisher,omitempty" mapstructure:"publisher"`
	DocumentType string `yaml:"document_type,omitempty" mapstructure:"document_type"`
	Tier         string `yaml:"tier" mapstructure:"tier"`
}

// PredicateConfig is the execution budget for pattern predicates
type PredicateConfig struct {
	Timeout        time.Duration `yaml:"timeout" mapstructure:"timeout"`
	MaxInputLength int           `yaml:"max_input_length" mapstructure:"max_input_length"`
	MaxPatternLen  int           `yaml:"max_pattern_length" mapstructure:"max_pattern_length"`
}

// GatewayConfig tunes the answer gateway
type GatewayConfig struct {
	RetryAfter    time.Duration `yaml:"retry_after" mapstructure:"retry_after"`
	LegacyEnabled bool          `yaml:"legacy_enabled" mapstructure:"legacy_enabled"`
}

// ServerConfig configures the HTTP boundary
type ServerConfig struct {
	Addr string `yaml:"addr" mapstructure:"addr"`
}

// LockingConfig selects the per-key lock backend
type LockingConfig struct {
	Backend  string        `yaml:"backend" mapstructure:"backend"` // "memory" or "redis"
	RedisURL string        `yaml:"redis_url,omitempty" mapstructure:"redis_url"`
	TTL      time.Duration `yaml:"ttl" mapstructure:"ttl"`
}

// DefaultConfig returns sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Store: StoreConfig{
			Driver: "sqlite",
			DSN:    "file:lexledger.db?_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)",
		},
		Cache: CacheConfig{
			Enabled:   true,
			MemoryTTL: 30 * time.Minute,
			DiskDir:   "",
			DiskTTL:   24 * time.Hour,
		},
		HTTP: HTTPConfig{
			Timeout:       30 * time.Second,
			UserAgent:     "lexledger/0.1 (+https://github.com/ppiankov/lexledger)",
			MaxBodyBytes:  8_000_000,
			RespectRobots: true,
		},
		LLM: LLMConfig{
			Provider:  "",
			Model:     "gpt-4o-mini",
			Timeout:   60 * time.Second,
			MaxTokens: 4000,
		},
		Extraction: ExtractionConfig{
			MinConfidence:     0.6,
			MaxAttempts:       3,
			RequestTimeout:    90 * time.Second,
			RequestsPerSecond: 2,
			Burst:             2,
			MaxInputChars:     200_000,
		},
		Queue: QueueConfig{
			ExtractWorkers: 2,
			ComposeWorkers: 2,
			GraphWorkers:   2,
			PollInterval:   500 * time.Millisecond,
			MaxAttempts:    5,
			BaseBackoff:    2 * time.Second,
			MaxBackoff:     5 * time.Minute,
			MaxJitter:      time.Second,
			StaleAfter:     15 * time.Minute,
		},
		Staleness: StalenessConfig{
			Thresholds: map[string]time.Duration{
				"law":        7 * 24 * time.Hour,
				"regulation": 14 * 24 * time.Hour,
				"guidance":   30 * 24 * time.Hour,
				"practice":   90 * 24 * time.Hour,
			},
			Default: 30 * 24 * time.Hour,
		},
		Arbiter: ArbiterConfig{
			Margin:            0.5,
			HighAuthorityTier: "law",
			RecencyWeight:     0.4,
			RecencyHorizon:    10 * 365 * 24 * time.Hour,
			Tolerances: map[string]float64{
				"rate":      0.0001,
				"threshold": 0,
			},
		},
		Authority: AuthorityConfig{
			Mapping: DefaultAuthorityMapping(),
		},
		Predicates: PredicateConfig{
			Timeout:        50 * time.Millisecond,
			MaxInputLength: 10_000,
			MaxPatternLen:  512,
		},
		Gateway: GatewayConfig{
			RetryAfter:    30 * time.Second,
			LegacyEnabled: true,
		},
		Server: ServerConfig{
			Addr: ":8086",
		},
		Locking: LockingConfig{
			Backend: "memory",
			TTL:     2 * time.Minute,
		},
		Topics: DefaultTopics(),
	}
}

// DefaultTopics returns the built-in topic schemas
func DefaultTopics() []TopicSchema {
	return []TopicSchema{
		{
			Key:            "VAT_STANDARD_RATE",
			Description:    "Standard value added tax rate",
			PrimaryType:    ValueRate,
			RequiredTypes:  []ValueType{ValueRate},
			AllowedValueRe: `^\d+(\.\d+)?%?$`,
		},
		{
			Key:           "VAT_REGISTRATION_THRESHOLD",
			Description:   "Turnover above which VAT registration is mandatory",
			PrimaryType:   ValueThreshold,
			RequiredTypes: []ValueType{ValueThreshold},
		},
		{
			Key:           "VAT_RETURN_DEADLINE",
			Description:   "Deadline for filing periodic VAT returns",
			PrimaryType:   ValueDeadline,
			RequiredTypes: []ValueType{ValueDeadline},
		},
	}
}

// DefaultAuthorityMapping is the built-in mapping table
func DefaultAuthorityMapping() *AuthorityMapping {
	return &AuthorityMapping{
		Version:     "1.0.0",
		DefaultTier: "practice",
		Rules: []AuthorityRule{
			{Name: "statute", DocumentType: "statute", Tier: "law"},
			{Name: "act", DocumentType: "act", Tier: "law"},
			{Name: "legislation-gov-uk", Host: "legislation.gov.uk", Tier: "law"},
			{Name: "eur-lex", Host: "eur-lex.europa.eu", Tier: "law"},
			{Name: "regulation", DocumentType: "regulation", Tier: "regulation"},
			{Name: "ordinance", DocumentType: "ordinance", Tier: "regulation"},
			{Name: "guidance", DocumentType: "guidance", Tier: "guidance"},
			{Name: "circular", DocumentType: "circular", Tier: "guidance"},
			{Name: "practice-guide", DocumentType: "practice_guide", Tier: "practice"},
		},
	}
}
