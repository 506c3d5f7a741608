package config

import "time"

// ConstraintStoreBackend selects which durable-constraint backend the process
// talks to. The core only depends on the constraint.Store interface; this just
// picks which concrete client gets constructed at startup.
type ConstraintStoreBackend string

const (
	BackendNotion ConstraintStoreBackend = "notion"
	BackendMem0   ConstraintStoreBackend = "mem0"
	BackendOther  ConstraintStoreBackend = "other" // Postgres-backed, built in-process
)

// StoreConfig configures the durable constraint store facade.
type StoreConfig struct {
	Backend ConstraintStoreBackend `yaml:"backend"`

	// Postgres DSN pieces, used when Backend == BackendOther.
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password_env"` // name of env var holding the password
	Database string `yaml:"database"`
	SSLMode  string `yaml:"ssl_mode"`

	MaxOpenConns int           `yaml:"max_open_conns"`
	MaxIdleConns int           `yaml:"max_idle_conns"`
	ConnLifetime time.Duration `yaml:"conn_lifetime"`

	// Upstream backend fields, present so notion/mem0 clients have somewhere
	// to read config from. The core never inspects these.
	APIKeyEnv   string `yaml:"api_key_env"`
	WorkspaceID string `yaml:"workspace_id"`
}

// ModelConfig configures one LLM endpoint used by an extractor role.
type ModelConfig struct {
	Provider    string  `yaml:"provider"` // "anthropic" today; kept open for substitution
	Model       string  `yaml:"model"`
	APIKeyEnv   string  `yaml:"api_key_env"`
	BaseURL     string  `yaml:"base_url,omitempty"`
	Temperature float64 `yaml:"temperature"`
	MaxTokens   int     `yaml:"max_tokens"`
}

// TimeoutsConfig is the process-wide timeout table. Built once at
// startup and never mutated afterward.
type TimeoutsConfig struct {
	GraphTurn            time.Duration `yaml:"graph_turn"`
	ExtractorPlannedDate time.Duration `yaml:"extractor_planned_date"`
	ExtractorConstraint  time.Duration `yaml:"extractor_constraint"`
	ExtractorStageGate   time.Duration `yaml:"extractor_stage_gate"`
	ExtractorDecision    time.Duration `yaml:"extractor_decision"`
	ExtractorPatch       time.Duration `yaml:"extractor_patch"`
	CalendarRPC          time.Duration `yaml:"calendar_rpc"`
	DurableQuery         time.Duration `yaml:"durable_query"`
	DurableUpsert        time.Duration `yaml:"durable_upsert"`
	PrefetchEnsure       time.Duration `yaml:"prefetch_ensure"`
	PrimeOnCommitWait    time.Duration `yaml:"prime_on_commit_wait"`
}

// ConcurrencyConfig is the other half of the global immutable state: the
// semaphore sizes used by the prefetch coordinator.
type ConcurrencyConfig struct {
	ConstraintExtraction int `yaml:"constraint_extraction"`
	DurablePrefetch      int `yaml:"durable_prefetch"`
	DurableUpsert        int `yaml:"durable_upsert"`
}

// ReconciliationConfig tunes the fuzzy matching pass.
type ReconciliationConfig struct {
	FuzzyToleranceMinutes int `yaml:"fuzzy_tolerance_minutes"`
}

// SkeletonConfig tunes stage-3 fallback behavior.
type SkeletonConfig struct {
	FallbackBlockMinutes int `yaml:"fallback_block_minutes"`
}

// PatcherConfig tunes the plan-edit retry loop.
type PatcherConfig struct {
	MaxAttempts         int `yaml:"max_attempts"`
	RetryFeedbackBudget int `yaml:"retry_feedback_budget_bytes"`
}

// RetrieverConfig tunes the constraint retriever.
type RetrieverConfig struct {
	MaxTypeIDs int `yaml:"max_type_ids"`
	QueryLimit int `yaml:"query_limit"`
}

// RetentionConfig tunes the background reaper: in-memory session
// garbage collection and durable-constraint TTL expiry, neither named
// directly by the conversational components but both implied by the
// session lifecycle ("destroyed on explicit completion/cancel or host
// shutdown") and the constraint record's `ttl_days` field.
type RetentionConfig struct {
	SessionIdleTTL time.Duration `yaml:"session_idle_ttl"`
	SweepInterval  time.Duration `yaml:"sweep_interval"`
}

// CalendarConfig configures the MCP calendar capability.
type CalendarConfig struct {
	MCPServerURL string `yaml:"mcp_server_url"`
	CalendarID   string `yaml:"calendar_id"`
	// OwnedIDPrefix is the reserved marker for event ids this system created.
	OwnedIDPrefix string `yaml:"owned_id_prefix"`
}

// ObserverConfig configures the outbound WebSocket publisher for final
// update records. An empty Endpoint disables publishing.
type ObserverConfig struct {
	Endpoint     string        `yaml:"endpoint"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// Config is the umbrella configuration object returned by Initialize and
// threaded through the session controller, extractors, and sync engine.
type Config struct {
	configDir string

	Store       StoreConfig
	Models      map[string]ModelConfig // keyed by extractor role, e.g. "stage_gate"
	Timeouts    TimeoutsConfig
	Concurrency ConcurrencyConfig
	Reconcile   ReconciliationConfig
	Skeleton    SkeletonConfig
	Patcher     PatcherConfig
	Retriever   RetrieverConfig
	Calendar    CalendarConfig
	Retention   RetentionConfig
	Observer    ObserverConfig
	DebugLogDir string `yaml:"debug_log_dir"`
}

// ConfigDir returns the directory Initialize loaded YAML from.
func (c *Config) ConfigDir() string {
	return c.configDir
}

// ModelFor returns the model config for an extractor role, falling back to
// the "default" entry when a specific role has no override.
func (c *Config) ModelFor(role string) (ModelConfig, bool) {
	if m, ok := c.Models[role]; ok {
		return m, true
	}
	m, ok := c.Models["default"]
	return m, ok
}
