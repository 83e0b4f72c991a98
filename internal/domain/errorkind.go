package domain

import "strings"

// ErrorKind is the structured failure taxonomy, by origin rather than by
// exception type. Executors attach a kind at the point a failure is first
// observed; ClassifyError remains as a best-effort fallback for opaque
// error strings arriving from legacy sources.
type ErrorKind string

const (
	ErrKindNone              ErrorKind = ""
	ErrKindRateLimited       ErrorKind = "rate_limited"
	ErrKindProviderTransient ErrorKind = "provider_transient"
	ErrKindAPIError          ErrorKind = "api_error"
	ErrKindNoAnswer          ErrorKind = "no_answer"
	ErrKindVoicemail         ErrorKind = "voicemail"
	ErrKindBusy              ErrorKind = "busy"
	ErrKindRejected          ErrorKind = "rejected"
	ErrKindUnknown           ErrorKind = "unknown"
)

// Retryable reports whether the kind is a transient provider fault eligible
// for blind re-dispatch (subject to the retry ceiling).
func (k ErrorKind) Retryable() bool {
	return k == ErrKindRateLimited || k == ErrKindProviderTransient
}

// CustomerBehavior reports whether the kind is a customer outcome rather
// than a system failure.
func (k ErrorKind) CustomerBehavior() bool {
	switch k {
	case ErrKindNoAnswer, ErrKindVoicemail, ErrKindBusy, ErrKindRejected:
		return true
	}
	return false
}

// CourtesyRetryable reports whether the customer outcome gets a small
// bounded number of extra attempts before being accepted as terminal.
func (k ErrorKind) CourtesyRetryable() bool {
	return k == ErrKindNoAnswer || k == ErrKindVoicemail
}

// Substring pattern sets for classifying free-text provider errors, checked
// in priority order: retryable, then API/transport, then customer behavior.
var (
	retryablePatterns = []string{
		"sip-480-temporarily-unavailable",
		"error-sip-outbound-call-failed-to-connect",
		"rate-limit",
		"ratelimit",
		"rate limit exceeded",
		"too-many-requests",
		"temporarily-unavailable",
		"providerfault",
		"over concurrency limit",
		"call ended unexpectedly",
		"account not authorized to call",
		"failed to start call",
	}

	apiErrorPatterns = []string{
		"failed to get call status",
		"failed to fetch call",
		"api error",
		"connection error",
		"timeout",
		"network error",
	}

	noAnswerPatterns  = []string{"did not answer", "customer-did-not-answer", "no answer", "not answered"}
	voicemailPatterns = []string{"voicemail"}
	busyPatterns      = []string{"busy", "user busy"}
	rejectedPatterns  = []string{"call rejected", "rejected", "declined"}
)

func matchesAny(s string, patterns []string) bool {
	for _, p := range patterns {
		if strings.Contains(s, p) {
			return true
		}
	}
	return false
}

// ClassifyError maps a free-text failure message to an ErrorKind using the
// substring pattern sets. An empty message classifies as unknown.
func ClassifyError(message string) ErrorKind {
	if message == "" {
		return ErrKindUnknown
	}
	lower := strings.ToLower(message)

	switch {
	case matchesAny(lower, retryablePatterns):
		return ErrKindProviderTransient
	case matchesAny(lower, apiErrorPatterns):
		return ErrKindAPIError
	case matchesAny(lower, noAnswerPatterns):
		return ErrKindNoAnswer
	case matchesAny(lower, voicemailPatterns):
		return ErrKindVoicemail
	case matchesAny(lower, busyPatterns):
		return ErrKindBusy
	case matchesAny(lower, rejectedPatterns):
		return ErrKindRejected
	}
	return ErrKindUnknown
}

// KindForTask returns the structured kind recorded on the task output when
// present, else classifies the free-text failure message.
func KindForTask(t *Task) ErrorKind {
	if kind := t.Output.GetString("error_kind"); kind != "" {
		return ErrorKind(kind)
	}
	return ClassifyError(t.FailureText())
}

// CustomerMessage returns the human-readable terminal message for a
// customer-behavior outcome.
func CustomerMessage(k ErrorKind) string {
	switch k {
	case ErrKindNoAnswer:
		return "Call completed - Customer did not answer"
	case ErrKindVoicemail:
		return "Call completed - Reached voicemail"
	case ErrKindBusy:
		return "Call completed - Customer was busy"
	case ErrKindRejected:
		return "Call completed - Call was rejected by customer"
	}
	return "Call completed - Customer unavailable"
}
