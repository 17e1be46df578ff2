package domain

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidQuery    = errors.New("invalid query")
	ErrTemporary       = errors.New("temporary failure")
	ErrRetrievalFailed = errors.New("retrieval failed")
	ErrCacheMiss       = errors.New("cache miss")
)

// WrapError preserves typed semantic errors with operation context.
func WrapError(kind error, operation string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w: %w", operation, kind, err)
}

// WrapErrorMsg is WrapError for errors originating here rather than from a
// collaborator.
func WrapErrorMsg(kind error, operation, msg string) error {
	return fmt.Errorf("%s: %w: %s", operation, kind, msg)
}

func IsKind(err error, kind error) bool {
	return errors.Is(err, kind)
}
