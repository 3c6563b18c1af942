package config

import "time"

// Config represents the main configuration structure
type Config struct {
	Server     ServerConfig               `yaml:"server" mapstructure:"server"`
	Detection  DetectionConfig            `yaml:"detection" mapstructure:"detection"`
	Encryption EncryptionConfig           `yaml:"encryption" mapstructure:"encryption"`
	Masking    MaskingConfig              `yaml:"masking" mapstructure:"masking"`
	Roles      map[string]RolePermissions `yaml:"roles" mapstructure:"roles"`
	Policy     PolicyConfig               `yaml:"policy" mapstructure:"policy"`
	Protection ProtectionConfig           `yaml:"protection" mapstructure:"protection"`
	Sessions   SessionConfig              `yaml:"sessions" mapstructure:"sessions"`
	Audit      AuditConfig                `yaml:"audit" mapstructure:"audit"`
	Logging    LoggingConfig              `yaml:"logging" mapstructure:"logging"`
	WebSocket  WebSocketConfig            `yaml:"websocket" mapstructure:"websocket"`
	RateLimit  RateLimitConfig            `yaml:"rate_limit" mapstructure:"rate_limit"`
	Metrics    MetricsConfig              `yaml:"metrics" mapstructure:"metrics"`
}

// ServerConfig contains HTTP server configuration
type ServerConfig struct {
	Port         int           `yaml:"port" mapstructure:"port"`
	ReadTimeout  time.Duration `yaml:"read_timeout" mapstructure:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout" mapstructure:"write_timeout"`
	IdleTimeout  time.Duration `yaml:"idle_timeout" mapstructure:"idle_timeout"`
	MaxBodyBytes int64         `yaml:"max_body_bytes" mapstructure:"max_body_bytes"`
}

// DetectionConfig contains PII detection configuration
type DetectionConfig struct {
	Enabled        bool            `yaml:"enabled" mapstructure:"enabled"`
	Detectors      []string        `yaml:"detectors" mapstructure:"detectors"` // "all" or entity kind names
	MinConfidence  float64         `yaml:"min_confidence" mapstructure:"min_confidence"`
	UseContext     bool            `yaml:"use_context" mapstructure:"use_context"`
	ContextWindow  int             `yaml:"context_window" mapstructure:"context_window"`
	CustomPatterns []CustomPattern `yaml:"custom_patterns" mapstructure:"custom_patterns"`
}

// CustomPattern is a user-supplied detection regex
type CustomPattern struct {
	Name     string   `yaml:"name" mapstructure:"name"`
	Kind     string   `yaml:"kind" mapstructure:"kind"` // defaults to CUSTOM
	Pattern  string   `yaml:"pattern" mapstructure:"pattern"`
	Group    int      `yaml:"group" mapstructure:"group"`
	Keywords []string `yaml:"keywords" mapstructure:"keywords"`
}

// EncryptionConfig contains settings for the reversible cipher
type EncryptionConfig struct {
	Key       string `yaml:"key" mapstructure:"key"`
	Tweak     string `yaml:"tweak" mapstructure:"tweak"`
	CacheSize int    `yaml:"cache_size" mapstructure:"cache_size"`
}

// MaskPattern describes how the character-masking engine renders one
// entity kind.
type MaskPattern struct {
	Type           string `yaml:"type" mapstructure:"type" json:"type"` // show_first, show_last, show_first_last, full_mask, custom
	ShowFirst      int    `yaml:"showFirst" mapstructure:"showFirst" json:"showFirst"`
	ShowLast       int    `yaml:"showLast" mapstructure:"showLast" json:"showLast"`
	MaskChar       string `yaml:"maskChar" mapstructure:"maskChar" json:"maskChar"`
	Separator      string `yaml:"separator,omitempty" mapstructure:"separator" json:"separator,omitempty"`
	PreserveFormat bool   `yaml:"preserveFormat" mapstructure:"preserveFormat" json:"preserveFormat"`
}

// MaskingConfig contains masking defaults
type MaskingConfig struct {
	Patterns        map[string]MaskPattern `yaml:"patterns" mapstructure:"patterns"` // keyed by entity kind, merged over built-in defaults
	TokenPrefix     string                 `yaml:"token_prefix" mapstructure:"token_prefix"`
	DefaultShowLast int                    `yaml:"default_show_last" mapstructure:"default_show_last"`
}

// RolePermissions controls what a caller role may see unmasked
type RolePermissions struct {
	CanViewUnmasked bool                   `yaml:"can_view_unmasked" mapstructure:"can_view_unmasked"`
	AllowedEntities []string               `yaml:"allowed_entities" mapstructure:"allowed_entities"` // kind names or "*"
	MaskingOverride map[string]MaskPattern `yaml:"masking_override" mapstructure:"masking_override"`
}

// PolicyConfig contains remote policy sync configuration
type PolicyConfig struct {
	AppID        string         `yaml:"app_id" mapstructure:"app_id"`
	APIKey       string         `yaml:"api_key" mapstructure:"api_key"`
	BaseURL      string         `yaml:"base_url" mapstructure:"base_url"`
	SyncInterval time.Duration  `yaml:"sync_interval" mapstructure:"sync_interval"`
	Timeout      time.Duration  `yaml:"timeout" mapstructure:"timeout"`
	OfflineMode  bool           `yaml:"offline_mode" mapstructure:"offline_mode"`
	FallbackFile string         `yaml:"fallback_file" mapstructure:"fallback_file"`
	Snapshot     SnapshotConfig `yaml:"snapshot" mapstructure:"snapshot"`
}

// SnapshotConfig selects where the last good policy is persisted
type SnapshotConfig struct {
	Backend  string `yaml:"backend" mapstructure:"backend"` // none, file, redis
	Path     string `yaml:"path" mapstructure:"path"`
	RedisURL string `yaml:"redis_url" mapstructure:"redis_url"`
	Key      string `yaml:"key" mapstructure:"key"`
}

// ProtectionConfig contains orchestrator settings
type ProtectionConfig struct {
	Verbs          []string `yaml:"verbs" mapstructure:"verbs"`
	DefaultContext string   `yaml:"default_context" mapstructure:"default_context"`
}

// SessionConfig contains session mapping storage configuration
type SessionConfig struct {
	Backend   string        `yaml:"backend" mapstructure:"backend"` // memory or redis
	RedisURL  string        `yaml:"redis_url" mapstructure:"redis_url"`
	KeyPrefix string        `yaml:"key_prefix" mapstructure:"key_prefix"`
	TTL       time.Duration `yaml:"ttl" mapstructure:"ttl"`
	PoolSize  int           `yaml:"pool_size" mapstructure:"pool_size"`
}

// AuditConfig contains detection audit storage configuration
type AuditConfig struct {
	Enabled         bool          `yaml:"enabled" mapstructure:"enabled"`
	DatabaseURL     string        `yaml:"database_url" mapstructure:"database_url"`
	MaxOpenConns    int           `yaml:"max_open_conns" mapstructure:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns" mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" mapstructure:"conn_max_lifetime"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"` // json or console
	Redact bool   `yaml:"redact" mapstructure:"redact"`
	File   struct {
		Enabled bool   `yaml:"enabled" mapstructure:"enabled"`
		Path    string `yaml:"path" mapstructure:"path"`
	} `yaml:"file" mapstructure:"file"`
}

// WebSocketConfig contains WebSocket configuration
type WebSocketConfig struct {
	Enabled        bool     `yaml:"enabled" mapstructure:"enabled"`
	Path           string   `yaml:"path" mapstructure:"path"`
	AllowedOrigins []string `yaml:"allowed_origins" mapstructure:"allowed_origins"`
	// Username and Password, when either is set, require basic auth on
	// the event socket.
	Username string `yaml:"username" mapstructure:"username"`
	Password string `yaml:"password" mapstructure:"password"`
	Events   struct {
		BroadcastDetections bool `yaml:"broadcast_detections" mapstructure:"broadcast_detections"`
		BroadcastPolicy     bool `yaml:"broadcast_policy" mapstructure:"broadcast_policy"`
	} `yaml:"events" mapstructure:"events"`
}

// RateLimitConfig contains per-client request limits
type RateLimitConfig struct {
	Enabled        bool `yaml:"enabled" mapstructure:"enabled"`
	RequestsPerMin int  `yaml:"requests_per_min" mapstructure:"requests_per_min"`
	Burst          int  `yaml:"burst" mapstructure:"burst"`
}

// MetricsConfig contains Prometheus exposition settings
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" mapstructure:"enabled"`
	Path    string `yaml:"path" mapstructure:"path"`
}

// DefaultVerbs are the leading command words stripped from detected values.
var DefaultVerbs = []string{"show", "list", "get", "provide", "give", "display", "tell", "find", "fetch"}

// GetDefaults returns a configuration with sensible defaults
func GetDefaults() *Config {
	cfg := &Config{
		Server: ServerConfig{
			Port:         8080,
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 30 * time.Second,
			IdleTimeout:  60 * time.Second,
			MaxBodyBytes: 1 << 20,
		},
		Detection: DetectionConfig{
			Enabled:       true,
			Detectors:     []string{"all"},
			MinConfidence: 0.5,
			UseContext:    true,
			ContextWindow: 30,
		},
		Encryption: EncryptionConfig{
			Tweak:     "phi-sentinel",
			CacheSize: 1024,
		},
		Masking: MaskingConfig{
			TokenPrefix:     "TOK_",
			DefaultShowLast: 4,
		},
		Roles: DefaultRoles(),
		Policy: PolicyConfig{
			SyncInterval: 300 * time.Second,
			Timeout:      10 * time.Second,
			Snapshot: SnapshotConfig{
				Backend: "none",
				Key:     "policy:snapshot",
			},
		},
		Protection: ProtectionConfig{
			Verbs:          append([]string(nil), DefaultVerbs...),
			DefaultContext: "llm",
		},
		Sessions: SessionConfig{
			Backend:   "memory",
			KeyPrefix: "phi-sentinel:session:",
			TTL:       30 * time.Minute,
			PoolSize:  10,
		},
		Audit: AuditConfig{
			MaxOpenConns:    10,
			MaxIdleConns:    5,
			ConnMaxLifetime: 30 * time.Minute,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Redact: true,
		},
		WebSocket: WebSocketConfig{
			Enabled:        true,
			Path:           "/ws",
			AllowedOrigins: []string{"*"},
		},
		RateLimit: RateLimitConfig{
			Enabled:        true,
			RequestsPerMin: 600,
			Burst:          50,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
	}
	cfg.Logging.File.Path = "logs/phi-sentinel.log"
	cfg.WebSocket.Events.BroadcastDetections = true
	cfg.WebSocket.Events.BroadcastPolicy = true
	return cfg
}

// DefaultRoles returns the built-in healthcare role table.
func DefaultRoles() map[string]RolePermissions {
	return map[string]RolePermissions{
		"admin": {
			CanViewUnmasked: true,
			AllowedEntities: []string{"*"},
		},
		"doctor": {
			CanViewUnmasked: true,
			AllowedEntities: []string{"PERSON", "DATE_OF_BIRTH", "MEDICAL_RECORD_NUMBER", "PRESCRIPTION"},
		},
		"nurse": {
			AllowedEntities: []string{"PERSON"},
			MaskingOverride: map[string]MaskPattern{
				"PHONE": {Type: "show_last", ShowLast: 4, MaskChar: "*", PreserveFormat: true},
			},
		},
		"supervisor": {
			AllowedEntities: []string{"PERSON", "DATE_OF_BIRTH"},
		},
	}
}
