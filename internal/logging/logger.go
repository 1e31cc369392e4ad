package logging

import (
	"log/slog"
	"os"
)

// Init configures the global slog logger.
// In production it uses JSON output for log aggregation, otherwise the
// human-readable text handler.
func Init(environment string) {
	var handler slog.Handler
	if environment == "production" {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: slog.LevelInfo,
		})
	} else {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
			Level: slog.LevelDebug,
		})
	}

	slog.SetDefault(slog.New(handler))
}

// WithRequest returns a logger carrying the request correlation fields.
func WithRequest(requestID, userID, connectionRef string) *slog.Logger {
	return slog.With(
		"request_id", requestID,
		"user_id", userID,
		"connection", connectionRef,
	)
}

// WithStep scopes a request logger to one step of a multi-step request.
func WithStep(logger *slog.Logger, index int, intent string) *slog.Logger {
	return logger.With(
		"step", index,
		"intent", intent,
	)
}
