// Package store provides persistence for deployments, their phase histories
// and the durable event journal. This is part of the Imperative Shell.
package store

import (
	"context"

	"github.com/artpar/rollout/internal/core/domain"
)

// ListOptions narrows deployment listings.
type ListOptions struct {
	// Status filters by deployment status when non-empty.
	Status domain.Phase

	// Environment filters by target environment when non-empty.
	Environment string

	// Limit caps the number of returned rows. Zero means no cap.
	Limit int
}

// Store is the persistence interface for the deployment engine.
type Store interface {
	// CreateDeployment persists a new deployment.
	CreateDeployment(ctx context.Context, d *domain.Deployment) error

	// GetDeployment retrieves a deployment with its full phase history.
	GetDeployment(ctx context.Context, id string) (*domain.Deployment, error)

	// UpdateDeployment persists the current state of a deployment. Phase
	// records are written through AppendPhaseRecord, not here.
	UpdateDeployment(ctx context.Context, d *domain.Deployment) error

	// ListDeployments returns deployments newest first.
	ListDeployments(ctx context.Context, opts ListOptions) ([]*domain.Deployment, error)

	// ListActiveDeployments returns every deployment not in a terminal
	// state. Used on startup to resume interrupted control loops.
	ListActiveDeployments(ctx context.Context) ([]*domain.Deployment, error)

	// AppendPhaseRecord durably appends one history entry for a deployment.
	AppendPhaseRecord(ctx context.Context, deploymentID string, rec domain.PhaseRecord) error

	// ListPhaseRecords returns a deployment's history in append order.
	ListPhaseRecords(ctx context.Context, deploymentID string) ([]domain.PhaseRecord, error)

	// CreateEvent appends an event to the durable journal.
	CreateEvent(ctx context.Context, ev domain.DeploymentEvent) error

	// ListEvents returns a deployment's events in publication order.
	ListEvents(ctx context.Context, deploymentID string) ([]domain.DeploymentEvent, error)

	// Close releases the underlying resources.
	Close() error
}
