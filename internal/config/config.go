// Package config provides configuration loading for chatrelay components.
//
// Values are resolved in three layers: compiled defaults, an optional YAML file
// (--config flag or CHATRELAY_CONFIG), then environment variables. The environment
// variable names match the ones the Python prototype used so existing deployments
// keep working.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/AltairaLabs/chatrelay/internal/types"
)

// EnvConfigPath names the environment variable holding the config file path
const EnvConfigPath = "CHATRELAY_CONFIG"

// Provider selects the LLM backend
type Provider string

const (
	ProviderOpenAI Provider = "openai"
	ProviderMock   Provider = "mock"
)

// Config is the complete configuration shared by the coordinator and the worker
type Config struct {
	RedisURL string `yaml:"redis_url"`

	Session SessionConfig `yaml:"session"`
	Queue   QueueConfig   `yaml:"queue"`
	Worker  WorkerConfig  `yaml:"worker"`
	Fanout  FanoutConfig  `yaml:"fanout"`
	Server  ServerConfig  `yaml:"server"`

	Provider Provider            `yaml:"provider"`
	Agents   []types.AgentConfig `yaml:"agents"`
}

// SessionConfig controls per-session storage
type SessionConfig struct {
	// TTL is refreshed on every write; sessions are never deleted explicitly
	TTL time.Duration `yaml:"ttl"`
	// RecentLimit is N, the size of the recent-message window
	RecentLimit int `yaml:"recent_limit"`
	// FactLimit caps the fact log
	FactLimit int `yaml:"fact_limit"`
}

// QueueConfig holds configuration for the work queue streams
type QueueConfig struct {
	Group  string `yaml:"group"`
	MaxLen int64  `yaml:"max_len"`
}

// WorkerConfig holds configuration for turn processing
type WorkerConfig struct {
	ID            string        `yaml:"id"`
	Concurrency   int           `yaml:"concurrency"`
	LockLease     time.Duration `yaml:"lock_lease"`
	TurnTimeout   time.Duration `yaml:"turn_timeout"`
	ClaimIdle     time.Duration `yaml:"claim_idle"`
	ClaimInterval time.Duration `yaml:"claim_interval"`
	ReadBlock     time.Duration `yaml:"read_block"`
	ReadCount     int64         `yaml:"read_count"`
	ReadStreams   int           `yaml:"read_streams"`
	IdleSleep     time.Duration `yaml:"idle_sleep"`
	MaxPartials   int           `yaml:"max_partials"`
	PartialFlush  time.Duration `yaml:"partial_flush"`
	GRPCPort      string        `yaml:"grpc_port"`
}

// FanoutConfig holds configuration for the event log and live subscribers
type FanoutConfig struct {
	EventLogMaxLen   int64 `yaml:"event_log_max_len"`
	SubscriberBuffer int   `yaml:"subscriber_buffer"`
}

// ServerConfig holds configuration for the coordinator's HTTP surface
type ServerConfig struct {
	HTTPPort       string        `yaml:"http_port"`
	PingInterval   time.Duration `yaml:"ping_interval"`
	EnableMCP      bool          `yaml:"enable_mcp"`
	EmbeddedWorker bool          `yaml:"embedded_worker"`
}

// Default returns the compiled-in configuration
func Default() *Config {
	return &Config{
		RedisURL: "redis://localhost:6379/0",
		Session: SessionConfig{
			TTL:         DefaultSessionTTL,
			RecentLimit: DefaultRecentLimit,
			FactLimit:   DefaultFactLimit,
		},
		Queue: QueueConfig{
			Group:  DefaultStreamGroup,
			MaxLen: DefaultQueueMaxLen,
		},
		Worker: WorkerConfig{
			Concurrency:   DefaultConcurrency,
			LockLease:     DefaultLockLease,
			TurnTimeout:   DefaultTurnTimeout,
			ClaimIdle:     DefaultClaimIdle,
			ClaimInterval: DefaultClaimInterval,
			ReadBlock:     DefaultReadBlock,
			ReadCount:     DefaultReadCount,
			ReadStreams:   DefaultStreamsPerRead,
			IdleSleep:     DefaultIdleSleep,
			MaxPartials:   DefaultMaxPartials,
			PartialFlush:  DefaultPartialFlushInterval,
			GRPCPort:      "50051",
		},
		Fanout: FanoutConfig{
			EventLogMaxLen:   DefaultEventLogMaxLen,
			SubscriberBuffer: DefaultSubscriberBuffer,
		},
		Server: ServerConfig{
			HTTPPort:       "19001",
			PingInterval:   DefaultSSEPingInterval,
			EnableMCP:      true,
			EmbeddedWorker: false,
		},
		Provider: ProviderOpenAI,
	}
}

// Load reads the file named by CHATRELAY_CONFIG (if any) and applies the environment
func Load() (*Config, error) {
	return LoadFile(os.Getenv(EnvConfigPath))
}

// LoadFile loads configuration from path, which may be empty, then applies environment overrides
func LoadFile(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	cfg.applyEnvironment(os.Getenv)

	if len(cfg.Agents) == 0 {
		cfg.Agents = DefaultAgents(os.Getenv)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnvironment overrides scalar settings from the environment
func (c *Config) applyEnvironment(getenv func(string) string) {
	setString(&c.RedisURL, getenv("REDIS_URL"))
	setSeconds(&c.Session.TTL, getenv("SESSION_TTL_SECONDS"))
	setInt(&c.Session.RecentLimit, getenv("SESSION_RECENT_LIMIT"))
	setString(&c.Queue.Group, getenv("STREAM_GROUP"))
	setString(&c.Worker.ID, getenv("WORKER_ID"))
	setInt(&c.Worker.Concurrency, getenv("WORKER_CONCURRENCY"))
	setSeconds(&c.Worker.IdleSleep, getenv("WORKER_IDLE_SLEEP"))
	setSeconds(&c.Worker.LockLease, getenv("LOCK_LEASE_SECONDS"))
	setSeconds(&c.Worker.TurnTimeout, getenv("TURN_TIMEOUT_SECONDS"))
	setString(&c.Worker.GRPCPort, getenv("GRPC_PORT"))
	setString(&c.Server.HTTPPort, getenv("HTTP_PORT"))
	if v := getenv("WORKER_AUTOSTART"); v != "" {
		c.Server.EmbeddedWorker = v == "1" || strings.EqualFold(v, "true")
	}
	if v := getenv("LLM_PROVIDER"); v != "" {
		c.Provider = Provider(v)
	}
}

// DefaultAgents builds the prototype's four-agent roster from environment variables
func DefaultAgents(getenv func(string) string) []types.AgentConfig {
	env := func(key, def string) string {
		if v := getenv(key); v != "" {
			return v
		}
		return def
	}
	maxTokens := func(key string, def int) int {
		if n, err := strconv.Atoi(getenv(key)); err == nil && n > 0 {
			return n
		}
		return def
	}

	return []types.AgentConfig{
		{
			AgentID:      env("PRIMARY_AGENT_ID", "primary"),
			Name:         env("PRIMARY_AGENT_NAME", "Nova"),
			Role:         types.RolePrimary,
			Model:        env("PRIMARY_MODEL", "gpt-4o-mini"),
			APIURL:       env("PRIMARY_API_URL", "https://api.openai.com/v1"),
			APIKey:       env("PRIMARY_API_KEY", ""),
			SystemPrompt: env("PRIMARY_SYSTEM_PROMPT", "You are Nova, the primary agent. Be concise, calm, and synthesize inputs from observers."),
			Persona:      env("PRIMARY_PERSONA", "Primary orchestrator with balanced tone."),
			MaxTokens:    maxTokens("PRIMARY_MAX_TOKENS", 200),
			Temperature:  0.6,
		},
		{
			AgentID:      env("OBSERVER1_ID", "scout"),
			Name:         env("OBSERVER1_NAME", "Scout"),
			Role:         types.RoleObserver,
			Model:        env("OBSERVER1_MODEL", "gpt-4o-mini"),
			APIURL:       env("OBSERVER1_API_URL", "https://api.openai.com/v1"),
			APIKey:       env("OBSERVER1_API_KEY", ""),
			SystemPrompt: env("OBSERVER1_SYSTEM_PROMPT", "You are Scout, a research-focused observer. Provide sources, examples, and quick facts."),
			Persona:      env("OBSERVER1_PERSONA", "Curious researcher, crisp bullets."),
			MaxTokens:    200,
			Temperature:  0.5,
		},
		{
			AgentID:      env("OBSERVER2_ID", "sage"),
			Name:         env("OBSERVER2_NAME", "Sage"),
			Role:         types.RoleObserver,
			Model:        env("OBSERVER2_MODEL", "gpt-4o-mini"),
			APIURL:       env("OBSERVER2_API_URL", "https://api.openai.com/v1"),
			APIKey:       env("OBSERVER2_API_KEY", ""),
			SystemPrompt: env("OBSERVER2_SYSTEM_PROMPT", "You are Sage, a critical observer. Challenge assumptions and highlight risks briefly."),
			Persona:      env("OBSERVER2_PERSONA", "Critical reviewer, terse and pointed."),
			MaxTokens:    200,
			Temperature:  0.5,
		},
		{
			AgentID:      env("SUMMARIZER_ID", "summarizer"),
			Name:         env("SUMMARIZER_NAME", "Summarizer"),
			Role:         types.RoleSummarizer,
			Model:        env("SUMMARIZER_MODEL", "gpt-4o-mini"),
			APIURL:       env("SUMMARIZER_API_URL", "https://api.openai.com/v1"),
			APIKey:       env("SUMMARIZER_API_KEY", ""),
			SystemPrompt: env("SUMMARIZER_SYSTEM_PROMPT", "You are a summarizer agent. Generate concise summaries of conversations."),
			Persona:      env("SUMMARIZER_PERSONA", "Concise summarizer, factual and brief."),
			MaxTokens:    250,
			Temperature:  0.6,
		},
	}
}

// Validate checks the configuration is usable
func (c *Config) Validate() error {
	if c.RedisURL == "" {
		return errors.New("redis_url must be set")
	}
	if c.Session.RecentLimit <= 0 {
		return errors.New("session.recent_limit must be positive")
	}
	if c.Session.TTL <= 0 {
		return errors.New("session.ttl must be positive")
	}
	if c.Queue.Group == "" {
		return errors.New("queue.group must be set")
	}
	if c.Worker.Concurrency <= 0 {
		return errors.New("worker.concurrency must be positive")
	}
	if c.Worker.LockLease <= 0 || c.Worker.TurnTimeout <= 0 {
		return errors.New("worker.lock_lease and worker.turn_timeout must be positive")
	}
	if c.Worker.ClaimIdle < c.Worker.LockLease {
		return errors.New("worker.claim_idle cannot be shorter than worker.lock_lease")
	}
	if c.Provider != ProviderOpenAI && c.Provider != ProviderMock {
		return fmt.Errorf("unknown provider %q", c.Provider)
	}

	seen := make(map[string]bool, len(c.Agents))
	primaries, summarizers := 0, 0
	for _, agent := range c.Agents {
		if agent.AgentID == "" {
			return errors.New("agent_id must be set for every agent")
		}
		if seen[agent.AgentID] {
			return fmt.Errorf("duplicate agent_id %q", agent.AgentID)
		}
		seen[agent.AgentID] = true
		switch agent.Role {
		case types.RolePrimary:
			primaries++
		case types.RoleSummarizer:
			summarizers++
		case types.RoleObserver:
		default:
			return fmt.Errorf("agent %q has unknown role %q", agent.AgentID, agent.Role)
		}
	}
	if primaries != 1 {
		return fmt.Errorf("exactly one primary agent is required, found %d", primaries)
	}
	if summarizers > 1 {
		return fmt.Errorf("at most one summarizer agent is allowed, found %d", summarizers)
	}
	return nil
}

// Primary returns the primary agent
func (c *Config) Primary() types.AgentConfig {
	for _, agent := range c.Agents {
		if agent.Role == types.RolePrimary {
			return agent
		}
	}
	return types.AgentConfig{}
}

// Summarizer returns the summarizer agent, if one is configured
func (c *Config) Summarizer() (types.AgentConfig, bool) {
	for _, agent := range c.Agents {
		if agent.Role == types.RoleSummarizer {
			return agent, true
		}
	}
	return types.AgentConfig{}, false
}

// Observers returns the observer agents in configuration order
func (c *Config) Observers() []types.AgentConfig {
	var observers []types.AgentConfig
	for _, agent := range c.Agents {
		if agent.Role == types.RoleObserver {
			observers = append(observers, agent)
		}
	}
	return observers
}

// Agent looks up an agent by id
func (c *Config) Agent(agentID string) (types.AgentConfig, bool) {
	for _, agent := range c.Agents {
		if agent.AgentID == agentID {
			return agent, true
		}
	}
	return types.AgentConfig{}, false
}

func setString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

func setInt(dst *int, v string) {
	if n, err := strconv.Atoi(v); err == nil && n > 0 {
		*dst = n
	}
}

// setSeconds accepts fractional seconds, matching WORKER_IDLE_SLEEP=0.05
func setSeconds(dst *time.Duration, v string) {
	if f, err := strconv.ParseFloat(v, 64); err == nil && f > 0 {
		*dst = time.Duration(f * float64(time.Second))
	}
}
