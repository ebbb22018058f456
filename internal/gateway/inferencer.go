package gateway

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"framelabel/internal/core"
)

// Inferencer is the remote multimodal capability: one image, one prompt, raw
// text back. Implementations should return *StatusError for HTTP-level
// failures so they can be classified.
type Inferencer interface {
	Infer(ctx context.Context, image []byte, prompt string) (string, error)
}

// InferFunc adapts a function to Inferencer.
type InferFunc func(ctx context.Context, image []byte, prompt string) (string, error)

func (f InferFunc) Infer(ctx context.Context, image []byte, prompt string) (string, error) {
	return f(ctx, image, prompt)
}

// StatusError is a non-2xx response from the remote service.
type StatusError struct {
	StatusCode int
	RetryAfter time.Duration
	Body       string
}

func (e *StatusError) Error() string {
	if e == nil {
		return ""
	}
	body := e.Body
	if len(body) > 200 {
		body = body[:200] + "..."
	}
	return fmt.Sprintf("remote returned %d %s: %s", e.StatusCode, http.StatusText(e.StatusCode), body)
}

// contentFilterMarkers identify an explicit content rejection in a 400 body.
var contentFilterMarkers = []string{"content_filter", "sensitive", "1301", "content policy", "safety"}

// Classify maps an inference error onto a failure kind. The returned
// duration is the server's retry hint, if any.
func Classify(err error) (*core.Failure, time.Duration) {
	if err == nil {
		return nil, 0
	}

	var f *core.Failure
	if errors.As(err, &f) {
		cp := *f
		return &cp, 0
	}

	var se *StatusError
	if errors.As(err, &se) {
		switch {
		case se.StatusCode == http.StatusTooManyRequests:
			return &core.Failure{Kind: core.KindRateLimited, Message: se.Error(), Cause: err}, se.RetryAfter
		case se.StatusCode == http.StatusUnauthorized || se.StatusCode == http.StatusForbidden:
			return &core.Failure{Kind: core.KindAuth, Message: se.Error(), Cause: err}, 0
		case se.StatusCode == http.StatusNotFound || se.StatusCode == http.StatusMethodNotAllowed || se.StatusCode == http.StatusGone:
			// Wrong base URL or model name.
			return &core.Failure{Kind: core.KindEndpoint, Message: se.Error(), Cause: err}, 0
		case se.StatusCode == http.StatusRequestTimeout:
			return &core.Failure{Kind: core.KindNetwork, Message: se.Error(), Cause: err}, 0
		case se.StatusCode == http.StatusRequestEntityTooLarge || se.StatusCode == http.StatusUnsupportedMediaType:
			return &core.Failure{Kind: core.KindInvalidInput, Message: se.Error(), Cause: err}, 0
		case se.StatusCode >= 500:
			return &core.Failure{Kind: core.KindServer, Message: se.Error(), Cause: err}, 0
		case isContentFilter(se.Body):
			return &core.Failure{Kind: core.KindContentRejected, Message: se.Error(), Cause: err}, 0
		case se.StatusCode == http.StatusBadRequest || se.StatusCode == http.StatusUnprocessableEntity:
			return &core.Failure{Kind: core.KindInvalidInput, Message: se.Error(), Cause: err}, 0
		default:
			return &core.Failure{Kind: core.KindUnknown, Message: se.Error(), Cause: err}, 0
		}
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return &core.Failure{Kind: core.KindNetwork, Message: "remote call timed out", Cause: err}, 0
	}
	var ne net.Error
	if errors.As(err, &ne) {
		return &core.Failure{Kind: core.KindNetwork, Message: err.Error(), Cause: err}, 0
	}

	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "429") || strings.Contains(msg, "rate limit") || strings.Contains(msg, "too many requests") {
		return &core.Failure{Kind: core.KindRateLimited, Message: err.Error(), Cause: err}, 0
	}
	// Anything else from the transport is assumed transient.
	return &core.Failure{Kind: core.KindNetwork, Message: err.Error(), Cause: err}, 0
}

func isContentFilter(body string) bool {
	b := strings.ToLower(body)
	for _, m := range contentFilterMarkers {
		if strings.Contains(b, m) {
			return true
		}
	}
	return false
}
