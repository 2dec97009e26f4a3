// Package config loads the orchestrator's YAML configuration, with
// environment variable expansion, the way the teacher's internal/config
// package loads nexus.yaml: read the file, expand ${VARS}, decode with
// unknown-field rejection, apply defaults, validate.
package config

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/agentmesh/orchestrator/pkg/models"
)

// Config is the root configuration for an orchestratord process.
type Config struct {
	Server     ServerConfig      `yaml:"server"`
	Logging    LoggingConfig     `yaml:"logging"`
	Models     ModelsConfig      `yaml:"models"`
	Memory     MemoryConfig      `yaml:"memory"`
	Routing    RoutingConfig     `yaml:"routing"`
	Extractor  ExtractorConfig   `yaml:"extractor"`
	Agents     []AgentConfig     `yaml:"agents"`
	MCPServers []MCPServerConfig `yaml:"mcp_servers"`
	Knowledge  []KnowledgeConfig `yaml:"knowledge"`
}

// ServerConfig configures the orchestratord process itself.
type ServerConfig struct {
	ContextWindow    int `yaml:"context_window"`
	BufferMultiplier int `yaml:"buffer_multiplier"`
}

// LoggingConfig selects slog's level and handler format.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // "json" | "text"
}

// ModelsConfig configures the LLM provider clients keyed by provider name.
type ModelsConfig struct {
	Anthropic *AnthropicModelConfig `yaml:"anthropic"`
	OpenAI    *OpenAIModelConfig    `yaml:"openai"`
	Routing   string                `yaml:"routing"`   // provider name used for routing decisions, empty disables LLM routing
	Extractor string                `yaml:"extractor"` // provider name used for memory extraction, empty disables extraction
}

type AnthropicModelConfig struct {
	APIKey       string        `yaml:"api_key"`
	DefaultModel string        `yaml:"default_model"`
	MaxRetries   int           `yaml:"max_retries"`
	RetryDelay   time.Duration `yaml:"retry_delay"`
}

type OpenAIModelConfig struct {
	APIKey       string        `yaml:"api_key"`
	BaseURL      string        `yaml:"base_url"`
	DefaultModel string        `yaml:"default_model"`
	MaxRetries   int           `yaml:"max_retries"`
	RetryDelay   time.Duration `yaml:"retry_delay"`
}

// MemoryConfig configures long-term storage and the embedding provider
// shared by buffer and long-term memory.
type MemoryConfig struct {
	Embeddings EmbeddingsConfig `yaml:"embeddings"`
	LongTerm   LongTermConfig   `yaml:"long_term"`
	Extraction ExtractionTuning `yaml:"extraction_tuning"`
}

// EmbeddingsConfig selects and configures an embeddings.Provider.
type EmbeddingsConfig struct {
	Provider string `yaml:"provider"` // "openai" | "ollama" | "" (disabled: recency-only search)
	APIKey   string `yaml:"api_key"`
	BaseURL  string `yaml:"base_url"`
	Model    string `yaml:"model"`
}

// LongTermConfig selects and configures a backend.Store.
type LongTermConfig struct {
	Backend   string `yaml:"backend"` // "pgvector" | "sqlitevec" | "" (disabled)
	DSN       string `yaml:"dsn"`       // pgvector
	Path      string `yaml:"path"`      // sqlitevec
	Dimension int    `yaml:"dimension"`
}

// ExtractionTuning mirrors extractor.Config's Threshold field.
type ExtractionTuning struct {
	Threshold float64 `yaml:"threshold"`
}

// RoutingConfig configures the routing engine's cache behavior.
type RoutingConfig struct {
	CacheTTL time.Duration `yaml:"cache_ttl"`
}

// ExtractorConfig configures how often memory extraction runs.
type ExtractorConfig struct {
	AutoExtract bool `yaml:"auto_extract"`
	Interval    int  `yaml:"interval"` // run extraction every N turns
}

// AgentConfig is the YAML form of models.AgentDescriptor.
type AgentConfig struct {
	AgentID                string              `yaml:"agent_id"`
	Name                   string              `yaml:"name"`
	Description            string              `yaml:"description"`
	SystemPrompt           string              `yaml:"system_prompt"`
	Provider               string              `yaml:"provider"`
	Model                  string              `yaml:"model"`
	Knowledge              []KnowledgeRefConfig `yaml:"knowledge"`
	ToolScope              []string            `yaml:"tool_scope"`
	MandatoryTools         []string            `yaml:"mandatory_tools"`
	RequestTimeoutOverride time.Duration       `yaml:"request_timeout_override"`
	RecencyBias            float64             `yaml:"recency_bias"`
	IsDefault              bool                `yaml:"is_default"`
}

type KnowledgeRefConfig struct {
	SourceID  string  `yaml:"source_id"`
	TopK      int     `yaml:"top_k"`
	Threshold float64 `yaml:"threshold"`
}

// ToDescriptor converts the YAML shape into the runtime descriptor type.
func (a AgentConfig) ToDescriptor() models.AgentDescriptor {
	refs := make([]models.KnowledgeRef, len(a.Knowledge))
	for i, k := range a.Knowledge {
		refs[i] = models.KnowledgeRef{SourceID: k.SourceID, TopK: k.TopK, Threshold: k.Threshold}
	}
	return models.AgentDescriptor{
		AgentID:                a.AgentID,
		Name:                   a.Name,
		Description:            a.Description,
		SystemPrompt:           a.SystemPrompt,
		ModelHandle:            models.ModelHandle{Provider: a.Provider, Model: a.Model},
		Knowledge:              refs,
		ToolScope:              a.ToolScope,
		MandatoryTools:         a.MandatoryTools,
		RequestTimeoutOverride: a.RequestTimeoutOverride,
		RecencyBias:            a.RecencyBias,
		IsDefault:              a.IsDefault,
	}
}

// MCPServerConfig is the YAML form of mcp.ServerDescriptor.
type MCPServerConfig struct {
	ServerID       string            `yaml:"server_id"`
	Transport      string            `yaml:"transport"` // "http_sse" | "command"
	Endpoint       string            `yaml:"endpoint"`
	Headers        map[string]string `yaml:"headers"`
	CommandLine    []string          `yaml:"command_line"`
	Env            map[string]string `yaml:"env"`
	WorkDir        string            `yaml:"work_dir"`
	NoRestart      bool              `yaml:"no_restart"`
	RequestTimeout time.Duration     `yaml:"request_timeout"`
}

// KnowledgeConfig describes one file-backed knowledge source to load at
// startup.
type KnowledgeConfig struct {
	SourceID     string   `yaml:"source_id"`
	Paths        []string `yaml:"paths"`
	ChunkSize    int      `yaml:"chunk_size"`
	ChunkOverlap int      `yaml:"chunk_overlap"`
	CacheDir     string   `yaml:"cache_dir"`
}

// Load reads, expands, decodes, defaults, and validates the configuration
// at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	expanded := os.ExpandEnv(string(data))

	var cfg Config
	decoder := yaml.NewDecoder(strings.NewReader(expanded))
	decoder.KnownFields(true)
	if err := decoder.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if err := decoder.Decode(new(struct{})); err != io.EOF {
		return nil, fmt.Errorf("config: %s contains more than one YAML document", path)
	}

	applyDefaults(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Server.ContextWindow == 0 {
		cfg.Server.ContextWindow = 50
	}
	if cfg.Server.BufferMultiplier == 0 {
		cfg.Server.BufferMultiplier = 4
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
	if cfg.Routing.CacheTTL == 0 {
		cfg.Routing.CacheTTL = 5 * time.Minute
	}
	if cfg.Extractor.Interval == 0 {
		cfg.Extractor.Interval = 1
	}
	if cfg.Memory.LongTerm.Dimension == 0 {
		cfg.Memory.LongTerm.Dimension = 1536
	}
	if cfg.Memory.Extraction.Threshold == 0 {
		cfg.Memory.Extraction.Threshold = 0.5
	}
}

func validate(cfg *Config) error {
	seen := make(map[string]bool, len(cfg.Agents))
	for _, a := range cfg.Agents {
		if a.Provider == "" {
			return fmt.Errorf("config: agent %q: provider is required", a.Name)
		}
		if a.AgentID != "" {
			if seen[a.AgentID] {
				return fmt.Errorf("config: duplicate agent_id %q", a.AgentID)
			}
			seen[a.AgentID] = true
		}
	}
	switch cfg.Memory.LongTerm.Backend {
	case "", "pgvector", "sqlitevec":
	default:
		return fmt.Errorf("config: memory.long_term.backend %q is not recognized", cfg.Memory.LongTerm.Backend)
	}
	switch cfg.Memory.Embeddings.Provider {
	case "", "openai", "ollama":
	default:
		return fmt.Errorf("config: memory.embeddings.provider %q is not recognized", cfg.Memory.Embeddings.Provider)
	}
	if cfg.Memory.LongTerm.Backend == "pgvector" && cfg.Memory.LongTerm.DSN == "" {
		return fmt.Errorf("config: memory.long_term.dsn is required for the pgvector backend")
	}
	return nil
}
