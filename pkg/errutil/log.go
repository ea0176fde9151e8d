// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Authd Contributors

package errutil

import (
	"log/slog"

	"github.com/samber/oops"
)

// LogError logs an error with structured context if it's an oops error.
// For oops errors, it extracts and logs the message, code, and context.
// For standard errors, it logs the error string.
func LogError(logger *slog.Logger, msg string, err error) {
	if oopsErr, ok := oops.AsOops(err); ok {
		attrs := []any{
			"error", oopsErr.Error(),
		}
		if code := oopsErr.Code(); code != nil {
			attrs = append(attrs, "code", code)
		}
		if ctx := oopsErr.Context(); len(ctx) > 0 {
			attrs = append(attrs, "context", ctx)
		}
		logger.Error(msg, attrs...)
	} else {
		logger.Error(msg, "error", err)
	}
}

// LogWarn logs a non-fatal, best-effort failure at WARN with the operation
// that was attempted. Used where an error is deliberately swallowed.
func LogWarn(logger *slog.Logger, msg, operation string, err error) {
	logger.Warn(msg, "operation", operation, "error", err.Error())
}
