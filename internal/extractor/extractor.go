// Package extractor runs the post-turn background task that mines a
// completed turn for durable facts about the user and writes them into
// Memobase. Grounded on the teacher's gateway memory-consolidation worker
// for the detached-task shape (context-cancellable goroutine, best-effort
// LLM call with a text fallback) and re-purposed from session summaries
// to structured key/value fact extraction.
package extractor

import (
	"context"
	"encoding/json"
	"log/slog"
	"strconv"
	"strings"
	"sync"

	"github.com/agentmesh/orchestrator/internal/llm"
	"github.com/agentmesh/orchestrator/internal/memory/memobase"
	"github.com/agentmesh/orchestrator/pkg/models"
)

const systemPrompt = `Given this conversation turn, produce JSON of the form ` +
	`{"extracted_info": [{"key": "...", "value": "...", "confidence": 0.0, "importance": 0.0}]}. ` +
	`Each confidence and importance must be between 0 and 1. Only include facts worth remembering ` +
	`about the user long-term; omit anything you are not confident about.`

// Fact is one parsed candidate before confidence filtering.
type Fact struct {
	Key        string  `json:"key"`
	Value      any     `json:"value"`
	Confidence float64 `json:"confidence"`
	Importance float64 `json:"importance"`
}

type extraction struct {
	ExtractedInfo []Fact `json:"extracted_info"`
}

// Extractor runs detached post-turn extraction tasks against a model and
// writes surviving facts into a memobase.Store.
type Extractor struct {
	model     llm.ChatModel
	store     *memobase.Store
	threshold float64
	logger    *slog.Logger

	wg sync.WaitGroup
}

type Config struct {
	Model     llm.ChatModel
	Store     *memobase.Store
	Threshold float64
	Logger    *slog.Logger
}

func New(cfg Config) *Extractor {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Extractor{
		model:     cfg.Model,
		store:     cfg.Store,
		threshold: cfg.Threshold,
		logger:    logger.With("component", "extractor"),
	}
}

// Spawn launches a detached extraction task for userID over turnText. It
// returns immediately; the caller's turn does not wait on it. Extraction
// failures are logged, never surfaced, per the design's "never surfaced"
// rule — a bad extraction must not fail a turn that already succeeded.
func (e *Extractor) Spawn(ctx context.Context, userID int64, turnText string) {
	if userID == models.AnonymousUser || e.model == nil {
		return
	}
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.run(ctx, userID, turnText)
	}()
}

// Wait blocks until every spawned extraction task has finished, for
// best-effort-graceful shutdown. Callers should pair this with a
// context cancellation so in-flight model calls exit promptly.
func (e *Extractor) Wait() {
	e.wg.Wait()
}

func (e *Extractor) run(ctx context.Context, userID int64, turnText string) {
	facts, err := e.extract(ctx, turnText)
	if err != nil {
		e.logger.Warn("extraction failed", "user_id", userID, "error", err)
		return
	}
	for _, f := range facts {
		if f.Confidence < e.threshold {
			continue
		}
		if err := e.store.Put(userID, f.Key, f.Value, f.Importance, models.SourceExtracted); err != nil {
			e.logger.Debug("extraction write skipped", "user_id", userID, "key", f.Key, "error", err)
		}
	}
}

func (e *Extractor) extract(ctx context.Context, turnText string) ([]Fact, error) {
	chunks, err := e.model.Complete(ctx, llm.CompletionRequest{
		System:   systemPrompt,
		Messages: []llm.Message{{Role: "user", Content: turnText}},
	})
	if err != nil {
		return nil, err
	}

	var reply strings.Builder
	for chunk := range chunks {
		if chunk.Error != nil {
			return nil, chunk.Error
		}
		reply.WriteString(chunk.Text)
	}

	return parseFacts(reply.String()), nil
}

// parseFacts tries strict JSON first, then falls back to a line parser
// tolerant of a model that ignores the JSON instruction: blocks of
// "key: ...", "value: ...", "confidence: ...", "importance: ..." lines
// separated by blank lines.
func parseFacts(text string) []Fact {
	text = strings.TrimSpace(stripCodeFence(text))

	var parsed extraction
	if err := json.Unmarshal([]byte(text), &parsed); err == nil && len(parsed.ExtractedInfo) > 0 {
		return parsed.ExtractedInfo
	}

	return parseFactLines(text)
}

func stripCodeFence(text string) string {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "```") {
		return text
	}
	text = strings.TrimPrefix(text, "```json")
	text = strings.TrimPrefix(text, "```")
	text = strings.TrimSuffix(text, "```")
	return strings.TrimSpace(text)
}

func parseFactLines(text string) []Fact {
	var facts []Fact
	var current Fact
	var have bool

	flush := func() {
		if have && current.Key != "" {
			facts = append(facts, current)
		}
		current = Fact{}
		have = false
	}

	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			flush()
			continue
		}
		key, value, ok := splitFactLine(line)
		if !ok {
			continue
		}
		have = true
		switch strings.ToLower(key) {
		case "key":
			current.Key = value
		case "value":
			current.Value = value
		case "confidence":
			current.Confidence = parseFloatOr(value, 0)
		case "importance":
			current.Importance = parseFloatOr(value, 0)
		}
	}
	flush()
	return facts
}

func splitFactLine(line string) (key, value string, ok bool) {
	idx := strings.Index(line, ":")
	if idx < 0 {
		return "", "", false
	}
	return strings.TrimSpace(line[:idx]), strings.TrimSpace(line[idx+1:]), true
}

func parseFloatOr(s string, fallback float64) float64 {
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return fallback
	}
	return v
}
