package runtime

import (
	"context"
	"errors"
	"io"

	"github.com/charmbracelet/log"

	"harvester/internal/geolite"
)

const GeoLiteUpdateSchedule = "@daily"

// Updater is satisfied by *geolite.Updater.
type Updater interface {
	Update(ctx context.Context) error
}

// GeoLiteUpdateTask returns a scheduled task that refreshes the GeoLite
// databases. Runs pick up the new files the next time they open them.
func GeoLiteUpdateTask(updater Updater, logger *log.Logger) func(context.Context) {
	return func(ctx context.Context) {
		RunGeoLiteUpdate(ctx, updater, logger, "scheduled")
	}
}

func RunGeoLiteUpdate(ctx context.Context, updater Updater, logger *log.Logger, reason string) {
	if logger == nil {
		logger = log.New(io.Discard)
	}
	err := updater.Update(ctx)
	switch {
	case errors.Is(err, geolite.ErrNoLicenseKey):
		logger.Debug("GeoLite update skipped: license key missing", "reason", reason)
	case err != nil:
		logger.Error("GeoLite update failed", "reason", reason, "error", err)
	default:
		logger.Info("GeoLite databases updated", "reason", reason)
	}
}
