// Package failure maps task failures to a kind and a recovery action, and
// quarantines devices whose windowed failure rate gets too high.
package failure

import (
	"context"
	"errors"
	"regexp"
)

// Kind is the failure category.
type Kind string

const (
	KindGPUCrash           Kind = "GPU_CRASH"
	KindTimeout            Kind = "REQUEST_TIMEOUT"
	KindResourceExhaustion Kind = "RESOURCE_EXHAUSTION"
	KindInvalidRequest     Kind = "INVALID_REQUEST"
	KindNetwork            Kind = "NETWORK_ERROR"
	KindInternal           Kind = "INTERNAL_ERROR"
	KindUnknown            Kind = "UNKNOWN"
)

// Recoverable reports whether the kind is retried or requeued rather than failed outright.
func (k Kind) Recoverable() bool {
	switch k {
	case KindInvalidRequest, KindInternal:
		return false
	}
	return true
}

// Action is what the lifecycle should do with the task.
type Action string

const (
	ActionRetry           Action = "RETRY"
	ActionRequeue         Action = "REQUEUE"
	ActionFail            Action = "FAIL"
	ActionNotify          Action = "NOTIFY"
	ActionMarkDeviceError Action = "MARK_DEVICE_ERROR"
)

// Error lets a collaborator report a failure with a known kind.
type Error struct {
	Kind Kind
	Msg  string
}

func (e *Error) Error() string { return e.Msg }

// NewError returns an *Error carrying kind.
func NewError(kind Kind, msg string) error { return &Error{Kind: kind, Msg: msg} }

// Rule maps a pattern to a kind.
type Rule struct {
	Pattern *regexp.Regexp
	Kind    Kind
}

// Matcher classifies messages with an ordered rule list; the first match wins.
type Matcher struct {
	rules []Rule
}

// NewMatcher builds a matcher from rules in priority order.
func NewMatcher(rules ...Rule) *Matcher { return &Matcher{rules: rules} }

func rule(kind Kind, patterns ...string) []Rule {
	out := make([]Rule, 0, len(patterns))
	for _, p := range patterns {
		out = append(out, Rule{Pattern: regexp.MustCompile("(?i)" + p), Kind: kind})
	}
	return out
}

// DefaultRules returns the stock rule table.
func DefaultRules() []Rule {
	var rs []Rule
	rs = append(rs, rule(KindGPUCrash, `gpu.*crash`, `cuda.*error`, `out of memory`, `device.*lost`)...)
	rs = append(rs, rule(KindTimeout, `timeout`, `timed out`, `deadline exceeded`)...)
	rs = append(rs, rule(KindResourceExhaustion, `resource.*exhausted`, `no.*resource`, `insufficient.*resource`, `out of.*resource`, `memory.*exhausted`)...)
	rs = append(rs, rule(KindInvalidRequest, `invalid.*request`, `bad.*request`, `malformed.*request`, `invalid.*parameter`, `missing.*parameter`)...)
	rs = append(rs, rule(KindNetwork, `network.*error`, `connection.*error`, `connection.*refused`, `connection.*reset`, `connection.*closed`)...)
	rs = append(rs, rule(KindInternal, `internal.*error`, `server.*error`, `unexpected.*error`, `unknown.*error`, `exception`)...)
	return rs
}

// Match returns the kind of the first matching rule, or KindUnknown.
func (m *Matcher) Match(msg string) Kind {
	for _, r := range m.rules {
		if r.Pattern.MatchString(msg) {
			return r.Kind
		}
	}
	return KindUnknown
}

// Classify prefers a structured kind, then context deadlines, then the message.
func (m *Matcher) Classify(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	var fe *Error
	if errors.As(err, &fe) && fe.Kind != "" {
		return fe.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	return m.Match(err.Error())
}

var defaultMatcher = NewMatcher(DefaultRules()...)

// Classify uses the default rule table.
func Classify(err error) Kind { return defaultMatcher.Classify(err) }

// Retryable reports whether err is worth retrying at the call level. Used as
// resilience.Policy.Retryable for downstream calls.
func Retryable(err error) bool {
	switch Classify(err) {
	case KindTimeout, KindNetwork, KindUnknown:
		return true
	}
	return false
}
