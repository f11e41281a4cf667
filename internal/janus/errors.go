package janus

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNegotiationTimeout is returned when the poll budget is exhausted
	// without observing the configured event carrying an answer.
	ErrNegotiationTimeout = errors.New("janus: timed out waiting for sdp answer")
	// ErrInvalidState is returned when an operation is invoked from a state
	// that does not permit it.
	ErrInvalidState = errors.New("janus: invalid negotiation state")
	// ErrMissingPublisher is returned by Forward when no publisher id is known.
	ErrMissingPublisher = errors.New("janus: publisher id is required for rtp_forward")
)

// ProtocolError reports an inline gateway reply that did not match the
// protocol step being executed. Raw holds the undecoded reply body.
type ProtocolError struct {
	Op       string
	Expected string
	Got      string
	Reason   string
	Raw      json.RawMessage
}

func (e *ProtocolError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "janus %s: expected %q, got %q", e.Op, e.Expected, e.Got)
	if e.Reason != "" {
		fmt.Fprintf(&b, " (%s)", e.Reason)
	}
	if len(e.Raw) > 0 {
		fmt.Fprintf(&b, ": %s", strings.TrimSpace(string(e.Raw)))
	}
	return b.String()
}

// StatusError is returned by the transport for non-2xx HTTP responses.
type StatusError struct {
	Method string
	URL    string
	Code   int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s %s: status %d: %s", e.Method, e.URL, e.Code, e.Body)
}

func stateError(op string, current State, allowed ...State) error {
	names := make([]string, 0, len(allowed))
	for _, state := range allowed {
		names = append(names, string(state))
	}
	return fmt.Errorf("%w: %s requires %s, engine is %s", ErrInvalidState, op, strings.Join(names, " or "), current)
}
