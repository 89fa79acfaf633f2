package local

import (
	"context"
	"errors"
	"testing"
	"time"

	"spotfleet/pkg/interfaces"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProvisioner_Lifecycle(t *testing.T) {
	clock := clockwork.NewFakeClock()
	p := NewProvisioner(clock, 30*time.Second)
	p.SetPrice("m5.large.us-east-1b", 0.06)
	ctx := context.Background()

	result, err := p.Launch(ctx, &interfaces.LaunchRequest{InstanceType: "m5.large", AZ: "us-east-1b"})
	require.NoError(t, err)
	assert.InDelta(t, 0.06, result.HourlyPrice, 1e-9)

	state, err := p.Describe(ctx, "", result.CloudInstanceID)
	require.NoError(t, err)
	assert.Equal(t, interfaces.CloudInstancePending, state)

	clock.Advance(30 * time.Second)
	state, _ = p.Describe(ctx, "", result.CloudInstanceID)
	assert.Equal(t, interfaces.CloudInstanceRunning, state)
	assert.Equal(t, 1, p.Running())

	require.NoError(t, p.Terminate(ctx, "", result.CloudInstanceID))
	state, _ = p.Describe(ctx, "", result.CloudInstanceID)
	assert.Equal(t, interfaces.CloudInstanceGone, state)
	assert.True(t, p.Terminated(result.CloudInstanceID))

	state, _ = p.Describe(ctx, "", "i-unknown")
	assert.Equal(t, interfaces.CloudInstanceGone, state)
}

func TestProvisioner_FailLaunches(t *testing.T) {
	p := NewProvisioner(clockwork.NewFakeClock(), 0)
	p.FailLaunches("m5.large.us-east-1a", interfaces.ErrCapacityUnavailable)

	_, err := p.Launch(context.Background(), &interfaces.LaunchRequest{InstanceType: "m5.large", AZ: "us-east-1a"})
	assert.True(t, errors.Is(err, interfaces.ErrCapacityUnavailable))

	p.FailLaunches("m5.large.us-east-1a", nil)
	_, err = p.Launch(context.Background(), &interfaces.LaunchRequest{InstanceType: "m5.large", AZ: "us-east-1a"})
	assert.NoError(t, err)
}
