package utils

import (
	"log/slog"
)

// Closer is an interface for types that have a Close() method.
// This is compatible with io.Closer, *sql.DB and *sql.Rows.
type Closer interface {
	Close() error
}

// CloseAndLog closes a resource and logs any error. This is useful for defer statements
// where the error cannot be meaningfully handled except by logging.
// Example: defer utils.CloseAndLog(db)
func CloseAndLog(closer Closer) {
	if closer == nil {
		return
	}
	if err := closer.Close(); err != nil {
		slog.Error("deferred close failed", "error", err)
	}
}
