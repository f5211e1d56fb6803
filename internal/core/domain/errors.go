package domain

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidInput         = errors.New("invalid input")
	ErrConversationNotFound = errors.New("conversation not found")
	ErrTemporary            = errors.New("temporary failure")

	// Pipeline failure kinds. Only ErrInvalidInput and ErrRetrievalUnavailable end a turn
	// without an answer; the rest are recovered and surfaced in result metadata.
	ErrRetrievalUnavailable = errors.New("retrieval unavailable")
	ErrRerankFailure        = errors.New("rerank failure")
	ErrGenerationFailure    = errors.New("generation failure")
	ErrPersistenceFailure   = errors.New("persistence failure")
	ErrHistoryUnavailable   = errors.New("history unavailable")
)

// WrapError preserves typed semantic errors with operation context.
func WrapError(kind error, operation string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w: %w", operation, kind, err)
}

func IsKind(err error, kind error) bool {
	return errors.Is(err, kind)
}
