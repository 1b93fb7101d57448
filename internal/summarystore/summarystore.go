// Package summarystore is a content-addressed summary cache: a directory
// holding summary_hash_map.json (SHA-256(document) → summary_id) plus
// paired summary-<uuid>.txt/original-<uuid>.txt files, and the
// read_source/write_source tool semantics that expose the originals.
//
// The hash map file has a single writer, is fsynced on write, and a
// corrupt file resets to empty with a warning.
package summarystore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/just-every/ensemble/pkg/ensemble"
)

// DefaultDir is the summary store's default location, relative to the
// process's working directory.
const DefaultDir = "./summaries"

// Warning is surfaced instead of returned as a fatal error when the store
// recovers from a corrupt hash map file.
type Warning struct {
	Message string
}

// Store is a single-writer, content-addressed summary cache backed by a
// directory of flat files.
type Store struct {
	dir string
	mu  sync.Mutex

	hashMap map[string]string // sha256(document) hex -> summary_id
	warn    *Warning
}

// Open loads (or creates) the summary store rooted at dir. A corrupt
// summary_hash_map.json is tolerated: Open resets it to an empty map and
// records a Warning rather than failing.
func Open(dir string) (*Store, error) {
	if dir == "" {
		dir = DefaultDir
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("summarystore: create dir: %w", err)
	}
	s := &Store{dir: dir, hashMap: make(map[string]string)}

	raw, err := os.ReadFile(s.hashMapPath())
	switch {
	case os.IsNotExist(err):
		// No store yet; empty map is correct.
	case err != nil:
		return nil, fmt.Errorf("summarystore: read hash map: %w", err)
	default:
		var m map[string]string
		if jsonErr := json.Unmarshal(raw, &m); jsonErr != nil {
			s.warn = &Warning{Message: fmt.Sprintf(
				"summarystore: %s is corrupt (%v); resetting to empty", s.hashMapPath(), jsonErr)}
		} else {
			s.hashMap = m
		}
	}
	return s, nil
}

// Warning returns the recovery warning raised while opening the store, if
// any.
func (s *Store) Warning() *Warning {
	return s.warn
}

func (s *Store) hashMapPath() string {
	return filepath.Join(s.dir, "summary_hash_map.json")
}

func (s *Store) summaryPath(id string) string {
	return filepath.Join(s.dir, fmt.Sprintf("summary-%s.txt", id))
}

func (s *Store) originalPath(id string) string {
	return filepath.Join(s.dir, fmt.Sprintf("original-%s.txt", id))
}

func hashDocument(document string) string {
	sum := sha256.Sum256([]byte(document))
	return hex.EncodeToString(sum[:])
}

// Put stores a (document, summary) pair. If document has already been
// summarized, Put returns the existing summary_id without writing new
// files (content-addressed dedup). Otherwise it allocates a new summary_id,
// writes both paired files, and durably persists the updated hash map.
func (s *Store) Put(document, summary string) (summaryID string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := hashDocument(document)
	if id, ok := s.hashMap[key]; ok {
		return id, nil
	}

	id := uuid.NewString()
	if err := writeFileSync(s.originalPath(id), document); err != nil {
		return "", fmt.Errorf("summarystore: write original: %w", err)
	}
	if err := writeFileSync(s.summaryPath(id), summary); err != nil {
		return "", fmt.Errorf("summarystore: write summary: %w", err)
	}

	s.hashMap[key] = id
	if err := s.persistHashMap(); err != nil {
		return "", err
	}
	return id, nil
}

func (s *Store) persistHashMap() error {
	raw, err := json.MarshalIndent(s.hashMap, "", "  ")
	if err != nil {
		return fmt.Errorf("summarystore: marshal hash map: %w", err)
	}
	if err := writeFileSyncBytes(s.hashMapPath(), raw); err != nil {
		return fmt.Errorf("summarystore: write hash map: %w", err)
	}
	return nil
}

// Summary returns the stored summary text for summaryID.
func (s *Store) Summary(summaryID string) (string, error) {
	raw, err := os.ReadFile(s.summaryPath(summaryID))
	if err != nil {
		return "", fmt.Errorf("summarystore: read summary %s: %w", summaryID, err)
	}
	return string(raw), nil
}

// ReadSource implements the read_source(summary_id, line_start?, line_end?)
// tool: it returns the original document, optionally sliced to a 1-indexed,
// inclusive [lineStart, lineEnd] range. A zero value for either bound means
// "unbounded" on that side.
func (s *Store) ReadSource(summaryID string, lineStart, lineEnd int) (string, error) {
	raw, err := os.ReadFile(s.originalPath(summaryID))
	if err != nil {
		return "", fmt.Errorf("summarystore: read source %s: %w", summaryID, err)
	}
	if lineStart <= 0 && lineEnd <= 0 {
		return string(raw), nil
	}

	lines := strings.Split(string(raw), "\n")
	start := lineStart - 1
	if start < 0 {
		start = 0
	}
	end := lineEnd
	if end <= 0 || end > len(lines) {
		end = len(lines)
	}
	if start >= end {
		return "", nil
	}
	return strings.Join(lines[start:end], "\n"), nil
}

// WriteSource implements the write_source(summary_id, file_path) tool: it
// copies the stored original document out to filePath on disk.
func (s *Store) WriteSource(summaryID, filePath string) error {
	raw, err := os.ReadFile(s.originalPath(summaryID))
	if err != nil {
		return fmt.Errorf("summarystore: read source %s: %w", summaryID, err)
	}
	if dir := filepath.Dir(filePath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("summarystore: create %s: %w", dir, err)
		}
	}
	if err := writeFileSync(filePath, string(raw)); err != nil {
		return fmt.Errorf("summarystore: write source to %s: %w", filePath, err)
	}
	return nil
}

// summaryTruncateLength bounds the naive condensed summary Summarize
// produces; the full text always remains recoverable via the read_source
// tool, so truncation here loses nothing permanently.
const summaryTruncateLength = 2000

// Summarize implements internal/history.Summarizer directly on *Store: it
// persists the (text, condensed) pair via Put and returns a condensed
// summary that names the summary_id a caller can hand to the read_source
// tool to recover the untruncated original, so compaction is backed by the
// read_source/write_source pair rather than a second LLM call.
func (s *Store) Summarize(_ context.Context, text string, contextHint string) (string, error) {
	condensed := text
	if len(condensed) > summaryTruncateLength {
		condensed = condensed[:summaryTruncateLength] + "..."
	}

	id, err := s.Put(text, condensed)
	if err != nil {
		return "", fmt.Errorf("summarystore: summarize: %w", err)
	}

	label := contextHint
	if label == "" {
		label = "this conversation"
	}
	return fmt.Sprintf("%s\n\n(Full transcript for %s recoverable via read_source with summary_id=%s.)",
		condensed, label, id), nil
}

// Tools exposes read_source and write_source as ensemble.ToolFunctions
// bound to this Store.
func (s *Store) Tools() []ensemble.ToolFunction {
	return []ensemble.ToolFunction{s.readSourceTool(), s.writeSourceTool()}
}

func (s *Store) readSourceTool() ensemble.ToolFunction {
	return ensemble.ToolFunction{
		Definition: ensemble.ToolDefinition{
			Name:        "read_source",
			Description: "Read back the full original text behind a compacted conversation summary, optionally restricted to a 1-indexed inclusive line range.",
			Parameters: json.RawMessage(`{
				"type": "object",
				"properties": {
					"summary_id": {"type": "string"},
					"line_start": {"type": "number"},
					"line_end": {"type": "number"}
				},
				"required": ["summary_id"]
			}`),
		},
		Function: func(_ ensemble.AgentContext, args map[string]any) (any, error) {
			id, err := stringArg(args, "summary_id")
			if err != nil {
				return nil, err
			}
			start := optionalIntArg(args, "line_start")
			end := optionalIntArg(args, "line_end")
			return s.ReadSource(id, start, end)
		},
		// SkipSummarization keeps a read_source result verbatim: summarizing
		// a just-recovered original would defeat the tool's purpose
		// (toolexec.SkipSummarizationTools lists the same name).
		SkipSummarization: true,
	}
}

func (s *Store) writeSourceTool() ensemble.ToolFunction {
	return ensemble.ToolFunction{
		Definition: ensemble.ToolDefinition{
			Name:        "write_source",
			Description: "Write the full original text behind a compacted conversation summary out to a file path on disk.",
			Parameters: json.RawMessage(`{
				"type": "object",
				"properties": {
					"summary_id": {"type": "string"},
					"file_path": {"type": "string"}
				},
				"required": ["summary_id", "file_path"]
			}`),
		},
		Function: func(_ ensemble.AgentContext, args map[string]any) (any, error) {
			id, err := stringArg(args, "summary_id")
			if err != nil {
				return nil, err
			}
			path, err := stringArg(args, "file_path")
			if err != nil {
				return nil, err
			}
			if err := s.WriteSource(id, path); err != nil {
				return nil, err
			}
			return fmt.Sprintf("wrote source %s to %s", id, path), nil
		},
		AllowSummary: true,
	}
}

func stringArg(args map[string]any, name string) (string, error) {
	v, ok := args[name]
	if !ok {
		return "", fmt.Errorf("invalid arguments: missing required %q", name)
	}
	s, ok := v.(string)
	if !ok || s == "" {
		return "", fmt.Errorf("invalid arguments: %q must be a non-empty string", name)
	}
	return s, nil
}

// optionalIntArg returns 0 (meaning "unbounded", per ReadSource's contract)
// when name is absent or not a number; JSON-decoded numbers arrive as
// float64.
func optionalIntArg(args map[string]any, name string) int {
	v, ok := args[name]
	if !ok {
		return 0
	}
	f, ok := v.(float64)
	if !ok {
		return 0
	}
	return int(f)
}

func writeFileSync(path, content string) error {
	return writeFileSyncBytes(path, []byte(content))
}

func writeFileSyncBytes(path string, content []byte) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	if _, err := f.Write(content); err != nil {
		return err
	}
	return f.Sync()
}
