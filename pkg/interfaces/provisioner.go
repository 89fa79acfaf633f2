package interfaces

import (
	"context"
	"errors"
)

// CloudInstanceState coarse state of a provisioned cloud instance
type CloudInstanceState string

const (
	CloudInstancePending CloudInstanceState = "pending"
	CloudInstanceRunning CloudInstanceState = "running"
	CloudInstanceGone    CloudInstanceState = "gone" // Terminated, stopped or unknown to the provider
)

// ErrCapacityUnavailable is returned by Launch when the pool has no capacity
var ErrCapacityUnavailable = errors.New("capacity unavailable")

// LaunchRequest describes a replica to start
type LaunchRequest struct {
	ReplicaID        string
	ParentInstanceID string // Network and IAM settings are copied from the parent
	InstanceType     string
	Region           string
	AZ               string
	PurchaseMode     string // spot, ondemand
	ImageID          string
	Tags             map[string]string
}

// LaunchResult provider-side identity of a launched replica
type LaunchResult struct {
	CloudInstanceID string
	HourlyPrice     float64 // Zero when the provider cannot tell
}

// ReplicaProvisioner starts, inspects and stops replica instances.
// Implementations must be safe for concurrent use.
type ReplicaProvisioner interface {
	// Launch requests a new instance and returns once the provider accepted it
	Launch(ctx context.Context, req *LaunchRequest) (*LaunchResult, error)

	// Describe returns the current state of a launched instance
	Describe(ctx context.Context, region, cloudInstanceID string) (CloudInstanceState, error)

	// Terminate stops an instance. Terminating a gone instance is not an error.
	Terminate(ctx context.Context, region, cloudInstanceID string) error
}
