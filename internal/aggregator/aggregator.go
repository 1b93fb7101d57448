// Package aggregator is the ResultAggregator ([J] in the module map): an
// alternate consumer of the canonical event stream that folds it into one
// final Result record, for callers who want a single return value instead
// of iterating events themselves.
package aggregator

import (
	"time"

	"github.com/just-every/ensemble/pkg/ensemble"
)

// Result is the folded record a caller receives for one request.
type Result struct {
	Message         string
	Thinking        string
	Cost            *ensemble.UsageRecord
	Tools           []ensemble.ToolCallResult
	Files           []ensemble.Event
	Error           string
	ResponseOutputs []ensemble.Message
	Agent           *ensemble.AgentTag
	Completed       bool
	StartTime       time.Time
	EndTime         time.Time
	MessageIDs      []string
}

// Aggregator folds a sequence of Events into a Result. It is not
// concurrency-safe; one Aggregator is owned by a single consumer draining
// one event channel.
type Aggregator struct {
	result Result

	deltas map[string]*string
	final  map[string]bool
	order  []string
	seen   map[string]bool

	started bool
}

// New builds an empty Aggregator.
func New() *Aggregator {
	return &Aggregator{
		deltas: make(map[string]*string),
		final:  make(map[string]bool),
		seen:   make(map[string]bool),
	}
}

// Feed applies one event to the running fold. Call Feed for every event in
// arrival order, then Result once the stream is exhausted (stream_end or a
// terminal error).
func (a *Aggregator) Feed(ev ensemble.Event) {
	if !a.started {
		a.started = true
		a.result.StartTime = eventTime(ev)
	}
	a.result.EndTime = eventTime(ev)
	if ev.Agent != nil {
		a.result.Agent = ev.Agent
	}

	switch ev.Type {
	case ensemble.EventMessageStart:
		if !a.seen[ev.MessageID] {
			a.seen[ev.MessageID] = true
			a.order = append(a.order, ev.MessageID)
			empty := ""
			a.deltas[ev.MessageID] = &empty
			a.result.MessageIDs = append(a.result.MessageIDs, ev.MessageID)
		}
	case ensemble.EventMessageDelta:
		a.ensureTracked(ev.MessageID)
		*a.deltas[ev.MessageID] += ev.Content
		if ev.ThinkingContent != "" {
			a.result.Thinking += ev.ThinkingContent
		}
	case ensemble.EventMessageComplete:
		a.ensureTracked(ev.MessageID)
		*a.deltas[ev.MessageID] = ev.Content
		a.final[ev.MessageID] = true
		if ev.ThinkingContent != "" {
			a.result.Thinking = ev.ThinkingContent
		}
	case ensemble.EventToolDone:
		if ev.ToolCall != nil && ev.ToolResult != nil {
			a.result.Tools = append(a.result.Tools, ensemble.ToolCallResult{
				ToolCall: *ev.ToolCall,
				Output:   ev.ToolResult.Output,
				Error:    ev.ToolResult.Error,
				CallID:   ev.ToolResult.CallID,
			})
		}
	case ensemble.EventFileStart, ensemble.EventFileDelta, ensemble.EventFileComplete:
		a.result.Files = append(a.result.Files, ev)
	case ensemble.EventCostUpdate:
		if ev.Usage != nil {
			usage := *ev.Usage
			a.result.Cost = &usage
		}
	case ensemble.EventResponseOutput:
		if ev.Message != nil {
			a.result.ResponseOutputs = append(a.result.ResponseOutputs, *ev.Message)
		}
	case ensemble.EventError:
		a.result.Error = ev.Error
	case ensemble.EventStreamEnd:
		a.result.Completed = a.result.Error == ""
	}
}

func (a *Aggregator) ensureTracked(messageID string) {
	if _, ok := a.deltas[messageID]; ok {
		return
	}
	a.seen[messageID] = true
	a.order = append(a.order, messageID)
	empty := ""
	a.deltas[messageID] = &empty
}

// Result assembles the final record. Message content comes from
// message_complete when one arrived for a given message id; otherwise it
// falls back to the concatenated deltas.
func (a *Aggregator) Result() Result {
	var text string
	for _, id := range a.order {
		if s := a.deltas[id]; s != nil {
			text += *s
		}
	}
	a.result.Message = text
	return a.result
}

func eventTime(ev ensemble.Event) time.Time {
	if !ev.Timestamp.IsZero() {
		return ev.Timestamp
	}
	return time.Now()
}

// Collect drains ch to completion and returns the folded Result. Callers
// that already have a channel from orchestrator.Run can use this directly
// instead of hand-rolling their own Feed loop.
func Collect(ch <-chan ensemble.Event) Result {
	agg := New()
	for ev := range ch {
		agg.Feed(ev)
	}
	return agg.Result()
}
