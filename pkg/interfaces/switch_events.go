package interfaces

import (
	"context"

	"spotfleet/internal/model"
)

// SwitchListener is notified after a switch committed.
// Listener failures never undo the commit.
type SwitchListener interface {
	OnSwitchCommitted(ctx context.Context, sw *model.Switch) error
}

// SwitchPublisher streams committed switches to downstream consumers
type SwitchPublisher interface {
	SwitchListener
	Close() error
}
