// Package registry adapts instrumentation registries to the snapshot model.
package registry

import (
	"context"

	"github.com/selivandex/telemetry-bridge/pkg/models"
)

// Registry produces a fresh snapshot on every call
type Registry interface {
	// Collect reads every instrument. Failures wrap models.ErrCollectionFailed.
	Collect(ctx context.Context) (*models.Snapshot, error)
}

// Func lets a plain function serve as a Registry
type Func func(ctx context.Context) (*models.Snapshot, error)

// Collect calls f
func (f Func) Collect(ctx context.Context) (*models.Snapshot, error) {
	return f(ctx)
}
