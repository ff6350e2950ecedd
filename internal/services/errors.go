package services

import (
	"fmt"
	"log/slog"

	"github.com/BradenHooton/gatekeeper/internal/models"
)

// internalError logs an infrastructure failure and returns a generic error.
// The cause is kept out of the returned chain so it cannot reach clients.
func internalError(logger *slog.Logger, msg string, err error, attrs ...any) error {
	logger.Error(msg, append(attrs, slog.Any("error", err))...)
	return fmt.Errorf("%s: %w", msg, models.ErrInternalServer)
}
