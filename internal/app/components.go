package app

import (
	"github.com/stacklok/socrata-cache/internal/coordinator"
	"github.com/stacklok/socrata-cache/internal/lifecycle"
	"github.com/stacklok/socrata-cache/internal/notify"
	"github.com/stacklok/socrata-cache/internal/store"
	"github.com/stacklok/socrata-cache/internal/telemetry"
)

// AppComponents groups all application components
//
//nolint:revive // This name is fine
type AppComponents struct {
	// Coordinator schedules the lifecycle procedures
	Coordinator coordinator.Coordinator

	Detector  *lifecycle.Detector
	Publisher *lifecycle.Publisher
	Evictor   *lifecycle.Evictor

	// Store holds the dataset records
	Store store.Store

	// Notifier delivers status change events
	Notifier notify.Notifier

	Telemetry *telemetry.Telemetry
}
