// Package history is the MessageHistory / hybrid-compaction engine ([E] in
// the module map): an append-only conversation log that normalizes the
// function-call/function-call-output pairing invariant on read and
// compacts itself once estimated tokens cross a threshold fraction of the
// model's context window.
package history

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/just-every/ensemble/pkg/ensemble"
)

// CharsPerToken is the chars-per-token ratio used for estimation.
const CharsPerToken = 4

// TailShare is the fraction of the log (by tokens) kept verbatim at the end
// of every compaction.
const TailShare = 0.30

// SummaryHeader is the literal sentinel a compaction's synthetic message
// must begin with.
const SummaryHeader = "[Previous Conversation Summary]"

// Summarizer is the external collaborator that turns a compactable slice of
// history into prose. It is treated as an out-of-process dependency: the
// History never assumes anything about how it produces text.
type Summarizer interface {
	Summarize(ctx context.Context, text string, contextHint string) (string, error)
}

// History is the MessageHistory.
type History struct {
	messages            []ensemble.Message
	pinned              map[int]struct{}
	microLog            []ensemble.MicroLogEntry
	extracted           ensemble.ExtractedInfo
	compactionThreshold float64
	contextLength       int
	modelID             string
	summarizer          Summarizer
}

// New builds an empty History bound to a model's context window and an
// external summarizer.
func New(modelID string, contextLength int, summarizer Summarizer) *History {
	return &History{
		pinned:              make(map[int]struct{}),
		compactionThreshold: 0.7,
		contextLength:       contextLength,
		modelID:             modelID,
		summarizer:          summarizer,
	}
}

// SetCompactionThreshold overrides the default 0.7.
func (h *History) SetCompactionThreshold(t float64) {
	if t > 0 {
		h.compactionThreshold = t
	}
}

// Len returns the number of messages currently in the log.
func (h *History) Len() int { return len(h.messages) }

// Messages returns a copy of the raw (non-normalized) log.
func (h *History) Messages() []ensemble.Message {
	out := make([]ensemble.Message, len(h.messages))
	copy(out, h.messages)
	return out
}

// PinMessage marks a message index immune to compaction.
func (h *History) PinMessage(index int) {
	if index < 0 || index >= len(h.messages) {
		return
	}
	h.pinned[index] = struct{}{}
}

// Add appends a message, updates the micro-log and best-effort extraction,
// and triggers compaction if the estimated token count now exceeds
// compactionThreshold * contextLength.
func (h *History) Add(ctx context.Context, msg ensemble.Message) error {
	h.messages = append(h.messages, msg)
	h.appendMicroLog(msg)
	h.extract(msg)

	if h.shouldCompact() {
		return h.Compact(ctx)
	}
	return nil
}

func (h *History) appendMicroLog(msg ensemble.Message) {
	var summary string
	switch msg.Kind {
	case ensemble.KindFunctionCall:
		summary = fmt.Sprintf("Called %s()", msg.Name)
	default:
		summary = firstLineOr80(msg.PlainText())
	}
	role := msg.Role
	if role == "" && msg.Kind == ensemble.KindAssistant {
		role = "assistant"
	}
	h.microLog = append(h.microLog, ensemble.MicroLogEntry{Role: role, Summary: summary})
}

func firstLineOr80(s string) string {
	if idx := strings.IndexByte(s, '\n'); idx >= 0 {
		s = s[:idx]
	}
	if len(s) > 80 {
		s = s[:80]
	}
	return s
}

// EstimateTokens sums ceil(len/4) across every textual field in the log.
func (h *History) EstimateTokens() int {
	total := 0
	for _, m := range h.messages {
		total += estimateMessageTokens(m)
	}
	return total
}

func estimateMessageTokens(m ensemble.Message) int {
	chars := len(m.Text) + len(m.Arguments) + len(m.Output)
	for _, p := range m.Content {
		chars += len(p.Text)
	}
	if m.Thinking != nil {
		chars += len(m.Thinking.Content)
	}
	return (chars + CharsPerToken - 1) / CharsPerToken
}

func (h *History) shouldCompact() bool {
	if h.contextLength <= 0 {
		return false
	}
	budget := int(h.compactionThreshold * float64(h.contextLength))
	return h.EstimateTokens() > budget
}

// partition splits the log into (pinned+system-prelude, compactable, tail)
// indices, extending cuts so a FunctionCall/FunctionCallOutput pair is
// never split across a boundary.
func (h *History) partition() (prelude, compactable, tail []int) {
	n := len(h.messages)
	if n == 0 {
		return nil, nil, nil
	}

	tailBudget := int(float64(h.EstimateTokens()) * TailShare)
	tailStart := n
	acc := 0
	for i := n - 1; i >= 0; i-- {
		acc += estimateMessageTokens(h.messages[i])
		if acc > tailBudget {
			break
		}
		tailStart = i
	}
	tailStart = extendForPairIntegrity(h.messages, tailStart)

	// The system prelude is the leading contiguous run of system messages;
	// the initial system prompt never compacts away.
	preludeEnd := 0
	for preludeEnd < n && preludeEnd < tailStart &&
		h.messages[preludeEnd].Kind == ensemble.KindSystemOrUser && h.messages[preludeEnd].Role == ensemble.RoleSystem {
		preludeEnd++
	}

	for i := 0; i < n; i++ {
		_, isPinned := h.pinned[i]
		switch {
		case i >= tailStart:
			tail = append(tail, i)
		case i < preludeEnd || isPinned:
			prelude = append(prelude, i)
		default:
			compactable = append(compactable, i)
		}
	}
	return prelude, compactable, tail
}

// extendForPairIntegrity moves a proposed cut point earlier if it would
// separate a FunctionCall from its FunctionCallOutput.
func extendForPairIntegrity(messages []ensemble.Message, cut int) int {
	if cut <= 0 || cut >= len(messages) {
		return cut
	}
	if messages[cut].Kind == ensemble.KindFunctionCallOutput && cut > 0 && messages[cut-1].Kind == ensemble.KindFunctionCall {
		return cut - 1
	}
	return cut
}

// Compact rewrites the compactable slice into one synthetic system message,
// preserving the pinned/prelude prefix and the verbatim tail.
func (h *History) Compact(ctx context.Context) error {
	prelude, compactable, tail := h.partition()
	if len(compactable) == 0 {
		return nil
	}

	var sb strings.Builder
	for _, i := range compactable {
		m := h.messages[i]
		sb.WriteString(fmt.Sprintf("[%s] %s\n", roleLabel(m), m.PlainText()))
	}

	summaryText := "No prior history."
	if h.summarizer != nil {
		s, err := h.summarizer.Summarize(ctx, sb.String(), h.modelID)
		if err != nil {
			return fmt.Errorf("history: summarize compactable range: %w", err)
		}
		summaryText = s
	}

	synthetic := buildSummaryMessage(summaryText, h.microLog, h.extracted)

	newMessages := make([]ensemble.Message, 0, len(prelude)+1+len(tail))
	newPinned := make(map[int]struct{})
	for _, i := range prelude {
		if _, ok := h.pinned[i]; ok {
			newPinned[len(newMessages)] = struct{}{}
		}
		newMessages = append(newMessages, h.messages[i])
	}
	newMessages = append(newMessages, synthetic)
	for _, i := range tail {
		if _, ok := h.pinned[i]; ok {
			newPinned[len(newMessages)] = struct{}{}
		}
		newMessages = append(newMessages, h.messages[i])
	}

	h.messages = newMessages
	h.pinned = newPinned
	return nil
}

func roleLabel(m ensemble.Message) string {
	switch m.Kind {
	case ensemble.KindAssistant:
		return "assistant"
	case ensemble.KindFunctionCall:
		return "tool_call:" + m.Name
	case ensemble.KindFunctionCallOutput:
		return "tool_result"
	default:
		return string(m.Role)
	}
}

// buildSummaryMessage assembles the synthetic system message.
func buildSummaryMessage(summary string, microLog []ensemble.MicroLogEntry, info ensemble.ExtractedInfo) ensemble.Message {
	var sb strings.Builder
	sb.WriteString(SummaryHeader)
	sb.WriteString("\n\n## Conversation Flow\n")
	for _, e := range microLog {
		sb.WriteString(fmt.Sprintf("- %s: %s\n", e.Role, e.Summary))
	}
	sb.WriteString("\n## Key Information\n")
	if len(info.Entities) > 0 {
		sb.WriteString("Entities: " + strings.Join(info.Entities, ", ") + "\n")
	}
	if len(info.Decisions) > 0 {
		sb.WriteString("Decisions: " + strings.Join(info.Decisions, "; ") + "\n")
	}
	if len(info.Todos) > 0 {
		sb.WriteString("Todos: " + strings.Join(info.Todos, "; ") + "\n")
	}
	if len(info.Tools) > 0 {
		var names []string
		for _, t := range info.Tools {
			names = append(names, fmt.Sprintf("%s (%s)", t.Name, t.Purpose))
		}
		sb.WriteString("Tools used: " + strings.Join(names, ", ") + "\n")
	}
	sb.WriteString("\n" + summary)

	return ensemble.Message{Kind: ensemble.KindSystemOrUser, Role: ensemble.RoleSystem, Text: sb.String()}
}

var (
	reAbsPath   = regexp.MustCompile(`(?:^|[\s"'])(/[A-Za-z0-9_.\-/]+)`)
	reURL       = regexp.MustCompile(`https?://[^\s"')]+`)
	reIdent     = regexp.MustCompile(`\b[A-Z][a-zA-Z0-9_]{2,}\b`)
	reDecision  = regexp.MustCompile(`(?i)\b(will|should|must|decided)\b`)
	reTodo      = regexp.MustCompile(`^TODO:\s*(.+)$`)
)

// extract performs the best-effort regex-level entity/decision/todo/tool
// extraction.
func (h *History) extract(msg ensemble.Message) {
	text := msg.PlainText()

	for _, m := range reAbsPath.FindAllStringSubmatch(text, -1) {
		h.addEntity(strings.TrimSpace(m[1]))
	}
	for _, m := range reURL.FindAllString(text, -1) {
		h.addEntity(m)
	}
	for _, m := range reIdent.FindAllString(text, -1) {
		h.addEntity(m)
	}

	for _, sentence := range splitSentences(text) {
		if reDecision.MatchString(sentence) {
			h.extracted.Decisions = append(h.extracted.Decisions, strings.TrimSpace(sentence))
		}
		if m := reTodo.FindStringSubmatch(strings.TrimSpace(sentence)); m != nil {
			h.extracted.Todos = append(h.extracted.Todos, m[1])
		}
	}

	if msg.Kind == ensemble.KindFunctionCall {
		h.extracted.Tools = append(h.extracted.Tools, ensemble.ToolUsageNote{Name: msg.Name, Purpose: firstLineOr80(msg.Arguments)})
	}
}

func (h *History) addEntity(e string) {
	for _, existing := range h.extracted.Entities {
		if existing == e {
			return
		}
	}
	h.extracted.Entities = append(h.extracted.Entities, e)
}

func splitSentences(text string) []string {
	return regexp.MustCompile(`[.!?]\s+`).Split(text, -1)
}

// ExtractedInfo returns a copy of the accumulated extraction state.
func (h *History) ExtractedInfo() ensemble.ExtractedInfo { return h.extracted }

// MicroLog returns a copy of the rolling conversation-flow log.
func (h *History) MicroLog() []ensemble.MicroLogEntry {
	out := make([]ensemble.MicroLogEntry, len(h.microLog))
	copy(out, h.microLog)
	return out
}

// State snapshots the full MessageHistoryState.
func (h *History) State() ensemble.MessageHistoryState {
	pinned := make(map[int]struct{}, len(h.pinned))
	for k := range h.pinned {
		pinned[k] = struct{}{}
	}
	return ensemble.MessageHistoryState{
		Messages:            h.Messages(),
		PinnedIndices:       pinned,
		MicroLog:            h.MicroLog(),
		ExtractedInfo:       h.extracted,
		CompactionThreshold: h.compactionThreshold,
		ModelID:             h.modelID,
	}
}

// Normalize returns the log rewritten so every FunctionCall at index i is
// immediately followed by its matching FunctionCallOutput at i+1: outputs
// are reordered to follow their calls, orphaned calls get a synthesized
// incomplete error output, and orphaned outputs are demoted to plain user
// messages prefixed "Tool result: <call_id>". A FunctionCallOutput carries
// no tool name, so the prefix names the call id, not the tool.
func Normalize(messages []ensemble.Message) []ensemble.Message {
	outputByCallID := make(map[string]ensemble.Message)
	hasCall := make(map[string]bool)
	for _, m := range messages {
		if m.Kind == ensemble.KindFunctionCallOutput {
			outputByCallID[m.CallID] = m
		}
		if m.Kind == ensemble.KindFunctionCall {
			hasCall[m.CallID] = true
		}
	}

	out := make([]ensemble.Message, 0, len(messages))
	for _, m := range messages {
		switch m.Kind {
		case ensemble.KindFunctionCall:
			out = append(out, m)
			if output, ok := outputByCallID[m.CallID]; ok {
				out = append(out, output)
			} else {
				out = append(out, ensemble.NewFunctionCallOutput(m.CallID, fmt.Sprintf("Tool call %s did not complete", m.Name), ensemble.StatusIncomplete))
			}
		case ensemble.KindFunctionCallOutput:
			if hasCall[m.CallID] {
				continue // reinserted immediately after its call above, regardless of original position
			}
			out = append(out, ensemble.NewUserMessage(fmt.Sprintf("Tool result: %s\n%s", m.CallID, m.Output)))
		default:
			out = append(out, m)
		}
	}
	return out
}
