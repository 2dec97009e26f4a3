package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, contents string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "orchestrator.yaml")
	require.NoError(t, os.WriteFile(path, []byte(strings.TrimSpace(contents)), 0o644))
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, `
agents:
  - name: assistant
    provider: anthropic
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, 50, cfg.Server.ContextWindow)
	require.Equal(t, 4, cfg.Server.BufferMultiplier)
	require.Equal(t, "info", cfg.Logging.Level)
	require.Equal(t, "json", cfg.Logging.Format)
	require.Equal(t, 1, cfg.Extractor.Interval)
}

func TestLoadExpandsEnvironmentVariables(t *testing.T) {
	t.Setenv("TEST_ANTHROPIC_KEY", "sk-test-123")
	path := writeConfig(t, `
models:
  anthropic:
    api_key: ${TEST_ANTHROPIC_KEY}
agents:
  - name: assistant
    provider: anthropic
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	require.NotNil(t, cfg.Models.Anthropic)
	require.Equal(t, "sk-test-123", cfg.Models.Anthropic.APIKey)
}

func TestLoadRejectsUnknownFields(t *testing.T) {
	path := writeConfig(t, `
server:
  context_window: 10
  bogus_field: true
`)

	_, err := Load(path)
	require.Error(t, err)
}

func TestLoadRejectsMultipleDocuments(t *testing.T) {
	path := writeConfig(t, `
server:
  context_window: 10
---
server:
  context_window: 20
`)

	_, err := Load(path)
	require.Error(t, err)
}

func TestLoadRejectsAgentWithoutProvider(t *testing.T) {
	path := writeConfig(t, `
agents:
  - name: assistant
`)

	_, err := Load(path)
	require.Error(t, err)
	require.Contains(t, err.Error(), "provider")
}

func TestLoadRejectsDuplicateAgentID(t *testing.T) {
	path := writeConfig(t, `
agents:
  - agent_id: dup
    name: a
    provider: anthropic
  - agent_id: dup
    name: b
    provider: openai
`)

	_, err := Load(path)
	require.Error(t, err)
}

func TestLoadRejectsUnknownLongTermBackend(t *testing.T) {
	path := writeConfig(t, `
memory:
  long_term:
    backend: dynamodb
`)

	_, err := Load(path)
	require.Error(t, err)
}

func TestLoadRequiresDSNForPgvector(t *testing.T) {
	path := writeConfig(t, `
memory:
  long_term:
    backend: pgvector
`)

	_, err := Load(path)
	require.Error(t, err)
	require.Contains(t, err.Error(), "dsn")
}

func TestAgentConfigToDescriptorConvertsKnowledgeRefs(t *testing.T) {
	ac := AgentConfig{
		Name:     "research",
		Provider: "anthropic",
		Knowledge: []KnowledgeRefConfig{
			{SourceID: "docs", TopK: 5, Threshold: 0.7},
		},
	}
	desc := ac.ToDescriptor()
	require.Len(t, desc.Knowledge, 1)
	require.Equal(t, "docs", desc.Knowledge[0].SourceID)
	require.Equal(t, 5, desc.Knowledge[0].TopK)
}

func TestLoadMissingFileFails(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}
