package ollama

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"

	"github.com/kirillkom/admissions-assistant/internal/core/domain"
	"github.com/kirillkom/admissions-assistant/internal/infrastructure/resilience"
)

// HTTPStatusError is a non-2xx answer from the Ollama API. Body holds the
// start of the response, which for Ollama is usually {"error": "..."}.
type HTTPStatusError struct {
	Operation  string
	StatusCode int
	Status     string
	Body       string
}

func (e *HTTPStatusError) Error() string {
	msg := fmt.Sprintf("ollama %s: %s", e.Operation, e.Status)
	if body := strings.TrimSpace(e.Body); body != "" {
		msg += ": " + body
	}
	return msg
}

// classifyOllamaError retries throttling, 5xx and transport failures. Attempt
// timeouts are retried too since the executor stops once the caller's own
// deadline is gone.
var classifyOllamaError = resilience.TemporaryClassifier(isTemporary)

func isTemporary(err error) bool {
	var statusErr *HTTPStatusError
	if errors.As(err, &statusErr) {
		switch statusErr.StatusCode {
		case http.StatusRequestTimeout, http.StatusTooManyRequests:
			return true
		case http.StatusNotImplemented:
			return false
		}
		return statusErr.StatusCode >= 500
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}

// wrapTemporaryIfNeeded marks failures the orchestrator may degrade around
// (generation fallback, skipped rerank) as domain.ErrTemporary.
func wrapTemporaryIfNeeded(operation string, err error) error {
	switch {
	case err == nil, domain.IsKind(err, domain.ErrTemporary):
		return err
	case resilience.IsCircuitOpen(err), classifyOllamaError(err).Retryable:
		return domain.WrapError(domain.ErrTemporary, operation, err)
	}
	return err
}
