package handler

import (
	"context"
	"errors"

	"github.com/vektah/gqlparser/v2/ast"
	"github.com/vektah/gqlparser/v2/gqlerror"
	"go.uber.org/zap"

	"github.com/jacentio/activities/resolve"
	"github.com/jacentio/activities/selection"
	"github.com/jacentio/activities/store"
)

// Error codes reported in the "code" extension.
const (
	CodeNotFound         = "NOT_FOUND"
	CodeInvalidReference = "INVALID_REFERENCE"
	CodeBadUserInput     = "BAD_USER_INPUT"
	CodeSchemaViolation  = "SCHEMA_VIOLATION"
	CodePartialWrite     = "PARTIAL_WRITE"
	CodeStoreUnavailable = "STORE_UNAVAILABLE"
	CodeDeadlineExceeded = "DEADLINE_EXCEEDED"
	CodeCancelled        = "CANCELLED"
	CodeInternal         = "INTERNAL"
)

const internalErrorMessage = "internal error"

// codeOf classifies err. A partial write is checked first because it also
// wraps the failure that interrupted it.
func codeOf(err error) string {
	switch {
	case errors.Is(err, store.ErrPartialWrite):
		return CodePartialWrite
	case errors.Is(err, store.ErrNotFound):
		return CodeNotFound
	case errors.Is(err, store.ErrInvalidReference):
		return CodeInvalidReference
	case errors.Is(err, store.ErrInvalidInput),
		errors.Is(err, store.ErrInvalidPageToken),
		errors.Is(err, selection.ErrInvalidDocument),
		errors.Is(err, resolve.ErrUnknownOperation),
		errors.Is(err, resolve.ErrUnknownField),
		errors.Is(err, resolve.ErrSelectionTooDeep),
		errors.Is(err, resolve.ErrConflictingFields):
		return CodeBadUserInput
	case errors.Is(err, store.ErrSchemaViolation):
		return CodeSchemaViolation
	case errors.Is(err, store.ErrStoreUnavailable):
		return CodeStoreUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return CodeDeadlineExceeded
	case errors.Is(err, context.Canceled):
		return CodeCancelled
	}
	return CodeInternal
}

// toError converts err into a GraphQL error located at path.
func (h *Handler) toError(err error, path ast.Path) *gqlerror.Error {
	code := codeOf(err)
	gerr := &gqlerror.Error{
		Err:        err,
		Message:    err.Error(),
		Path:       path,
		Extensions: map[string]any{"code": code},
	}

	switch code {
	case CodeInternal:
		h.logger.Error("request failed", zap.String("path", path.String()), zap.Error(err))
		gerr.Message = internalErrorMessage
	case CodePartialWrite, CodeSchemaViolation:
		h.logger.Error("request failed", zap.String("path", path.String()), zap.Error(err))
	}

	var pw *store.PartialWriteError
	if errors.As(err, &pw) {
		gerr.Extensions["rolledBack"] = pw.RolledBack
	}
	if errors.Is(err, store.ErrStoreUnavailable) {
		gerr.Extensions["retryable"] = true
	}
	return gerr
}
