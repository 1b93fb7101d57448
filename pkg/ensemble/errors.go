package ensemble

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrorReason categorizes provider/adapter failures for retry logic and
// the orchestrator's propagation policy.
type ErrorReason string

const (
	ReasonProvider          ErrorReason = "provider"
	ReasonRateLimit         ErrorReason = "rate_limit"
	ReasonQuota             ErrorReason = "quota"
	ReasonAuthentication    ErrorReason = "authentication"
	ReasonModelNotFound     ErrorReason = "model_not_found"
	ReasonNoProvider        ErrorReason = "no_provider"
	ReasonValidation        ErrorReason = "validation"
	ReasonStreamInterrupted ErrorReason = "stream_interrupted"
	ReasonImageProcessing   ErrorReason = "image_processing"
	ReasonToolExecution     ErrorReason = "tool_execution"
	ReasonUnknown           ErrorReason = "unknown"
)

// IsRetryable reports whether the orchestrator should retry a request that
// failed for this reason.
func (r ErrorReason) IsRetryable() bool {
	switch r {
	case ReasonRateLimit, ReasonStreamInterrupted:
		return true
	default:
		return false
	}
}

// QuotaType distinguishes what resource a Quota error ran out of.
type QuotaType string

const (
	QuotaTokens   QuotaType = "tokens"
	QuotaRequests QuotaType = "requests"
	QuotaCost     QuotaType = "cost"
)

// ProviderError is a structured, classified failure from a ProviderAdapter:
// a single error type carrying enough context for the orchestrator to
// decide retry vs abort without re-parsing the message string.
type ProviderError struct {
	Reason    ErrorReason
	Provider  string
	Model     string
	Message   string
	Cause     error
	Code      string

	RetryAfter time.Duration // set when Reason == ReasonRateLimit and known
	QuotaType  QuotaType      // set when Reason == ReasonQuota and known
}

func (e *ProviderError) Error() string {
	var parts []string
	parts = append(parts, fmt.Sprintf("[%s:%s]", e.Provider, e.Reason))
	if e.Model != "" {
		parts = append(parts, e.Model)
	}
	if e.Message != "" {
		parts = append(parts, e.Message)
	} else if e.Cause != nil {
		parts = append(parts, e.Cause.Error())
	}
	return strings.Join(parts, " ")
}

func (e *ProviderError) Unwrap() error { return e.Cause }

// NewProviderError builds a ProviderError with its reason inferred from the
// cause's error text.
func NewProviderError(provider, model string, cause error) *ProviderError {
	pe := &ProviderError{Provider: provider, Model: model, Cause: cause, Reason: ReasonProvider}
	if cause != nil {
		pe.Message = cause.Error()
		pe.Reason = ClassifyErrorReason(cause)
	}
	return pe
}

// ClassifyErrorReason inspects an error's text (and, via errors.Is, known
// sentinels) to decide its ErrorReason. This is the single classifier
// shared by every provider adapter and by the orchestrator's retry policy.
func ClassifyErrorReason(err error) ErrorReason {
	if err == nil {
		return ReasonUnknown
	}

	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.Reason
	}

	msg := strings.ToLower(err.Error())

	switch {
	case strings.Contains(msg, "rate limit"), strings.Contains(msg, "rate_limit"),
		strings.Contains(msg, "too many requests"), strings.Contains(msg, "429"):
		return ReasonRateLimit
	case strings.Contains(msg, "quota"), strings.Contains(msg, "insufficient_quota"):
		return ReasonQuota
	case strings.Contains(msg, "api key"), strings.Contains(msg, "unauthorized"),
		strings.Contains(msg, "401"), strings.Contains(msg, "403"), strings.Contains(msg, "forbidden"):
		return ReasonAuthentication
	case strings.Contains(msg, "model not found"), strings.Contains(msg, "no such model"),
		strings.Contains(msg, "model_not_found"), strings.Contains(msg, "404"):
		return ReasonModelNotFound
	case strings.Contains(msg, "no provider"):
		return ReasonNoProvider
	case strings.Contains(msg, "stream interrupted"), strings.Contains(msg, "connection reset"),
		strings.Contains(msg, "unexpected eof"), strings.Contains(msg, "broken pipe"):
		return ReasonStreamInterrupted
	case strings.Contains(msg, "invalid"), strings.Contains(msg, "validation"),
		strings.Contains(msg, "required"), strings.Contains(msg, "missing"):
		return ReasonValidation
	case strings.Contains(msg, "image"):
		return ReasonImageProcessing
	default:
		return ReasonProvider
	}
}

// IsProviderError reports whether err is or wraps a *ProviderError.
func IsProviderError(err error) bool {
	var pe *ProviderError
	return errors.As(err, &pe)
}

// GetProviderError extracts a *ProviderError from err's chain.
func GetProviderError(err error) (*ProviderError, bool) {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe, true
	}
	return nil, false
}

// Sentinel errors for conditions that aren't provider failures.
var (
	ErrEmptyHistoryThread = errors.New("ensemble: agent history thread must contain at least one message")
	ErrMaxToolCalls       = errors.New("ensemble: total tool calls limit reached")
	ErrMaxRounds          = errors.New("ensemble: tool call rounds limit reached")
	ErrQueueCleared       = errors.New("ensemble: queue_cleared")
	ErrCancelled          = errors.New("ensemble: cancelled")
	ErrDuplicateRunningID = errors.New("ensemble: duplicate running tool id")
)

// ToolExecutionError wraps a tool function's failure as it becomes a
// function_call_output string.
type ToolExecutionError struct {
	ToolName string
	CallID   string
	Cause    error
}

func (e *ToolExecutionError) Error() string {
	return fmt.Sprintf("%s: %s", errorTypeName(e.Cause), e.Cause.Error())
}

func (e *ToolExecutionError) Unwrap() error { return e.Cause }

func errorTypeName(err error) string {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return string(pe.Reason)
	}
	return "Error"
}
