// ABOUTME: Engine interface, request and classification types for intent scoring.
// ABOUTME: Also converts provider SDK errors into resilience remote errors.

package reasoner

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/2389/concierge/internal/conversation"
	"github.com/2389/concierge/internal/resilience"
	"github.com/2389/concierge/internal/session"
)

// ErrMalformedReply means the engine answered but the answer was unusable.
var ErrMalformedReply = errors.New("malformed reasoner reply")

// Request is what an engine sees of a message.
type Request struct {
	Text          string
	History       []session.Turn
	Slots         map[string]string
	PendingAction string
}

// Classification is an engine's scored view of a message.
type Classification struct {
	Candidates []conversation.Candidate
	Entities   map[string]string
	Reason     string
}

// Engine scores messages against the known intents.
type Engine interface {
	Name() string
	Classify(ctx context.Context, req Request) (Classification, error)
}

// remoteError converts a provider API failure into a RemoteError carrying
// the status and any Retry-After hint.
func remoteError(status int, resp *http.Response, err error) error {
	re := &resilience.RemoteError{
		Dependency: "reasoner",
		StatusCode: status,
		Message:    err.Error(),
	}
	if resp != nil {
		re.RetryAfter = resilience.ParseRetryAfter(resp.Header.Get("Retry-After"), time.Now())
	}
	return re
}
