package interfaces

import (
	"context"
	"time"
)

// InstanceIdentity what an agent knows about the instance it runs on
type InstanceIdentity struct {
	InstanceID   string
	InstanceType string
	Region       string
	AZ           string
	ImageID      string
	Hostname     string
	PurchaseMode string // spot, ondemand
}

// InterruptionNotice a pending reclamation of the instance
type InterruptionNotice struct {
	Action string     // terminate, stop, hibernate
	Time   *time.Time // Announced reclamation time, nil when absent
}

// RebalanceNotice an elevated interruption risk recommendation
type RebalanceNotice struct {
	NoticeTime time.Time
}

// InstanceMetadata reads identity and interruption signals of the local instance
type InstanceMetadata interface {
	Identity(ctx context.Context) (*InstanceIdentity, error)

	// InterruptionNotice returns nil when no interruption is scheduled
	InterruptionNotice(ctx context.Context) (*InterruptionNotice, error)

	// RebalanceRecommendation returns nil when no recommendation is present
	RebalanceRecommendation(ctx context.Context) (*RebalanceNotice, error)
}
