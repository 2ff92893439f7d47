// Package testutil holds tiny helpers shared by package tests.
package testutil

import (
	"io"
	"log/slog"
)

// Logger returns a logger that discards everything, keeping test output
// readable.
func Logger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}
