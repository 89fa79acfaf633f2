package local

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"spotfleet/pkg/interfaces"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
)

type instance struct {
	launchedAt time.Time
	terminated bool
	price      float64
}

// Provisioner is an in-memory ReplicaProvisioner for single-node setups
// without cloud access and for tests. Instances become running readyAfter
// their launch.
type Provisioner struct {
	clock      clockwork.Clock
	readyAfter time.Duration

	mu        sync.Mutex
	instances map[string]*instance
	prices    map[string]float64 // pool id -> hourly price
	failPools map[string]error
}

// NewProvisioner creates a local provisioner
func NewProvisioner(clock clockwork.Clock, readyAfter time.Duration) *Provisioner {
	return &Provisioner{
		clock:      clock,
		readyAfter: readyAfter,
		instances:  make(map[string]*instance),
		prices:     make(map[string]float64),
		failPools:  make(map[string]error),
	}
}

// SetPrice sets the hourly price reported for launches into a pool
func (p *Provisioner) SetPrice(poolID string, price float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.prices[poolID] = price
}

// FailLaunches makes every launch into poolID fail with err, nil clears it
func (p *Provisioner) FailLaunches(poolID string, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err == nil {
		delete(p.failPools, poolID)
		return
	}
	p.failPools[poolID] = err
}

func (p *Provisioner) Launch(ctx context.Context, req *interfaces.LaunchRequest) (*interfaces.LaunchResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	poolID := req.InstanceType + "." + req.AZ

	p.mu.Lock()
	defer p.mu.Unlock()
	if err, ok := p.failPools[poolID]; ok {
		return nil, fmt.Errorf("launch %s: %w", poolID, err)
	}

	id := "i-" + strings.ReplaceAll(uuid.New().String(), "-", "")[:17]
	p.instances[id] = &instance{launchedAt: p.clock.Now(), price: p.prices[poolID]}
	return &interfaces.LaunchResult{CloudInstanceID: id, HourlyPrice: p.prices[poolID]}, nil
}

func (p *Provisioner) Describe(ctx context.Context, region, cloudInstanceID string) (interfaces.CloudInstanceState, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	inst, ok := p.instances[cloudInstanceID]
	if !ok || inst.terminated {
		return interfaces.CloudInstanceGone, nil
	}
	if p.clock.Since(inst.launchedAt) < p.readyAfter {
		return interfaces.CloudInstancePending, nil
	}
	return interfaces.CloudInstanceRunning, nil
}

func (p *Provisioner) Terminate(ctx context.Context, region, cloudInstanceID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if inst, ok := p.instances[cloudInstanceID]; ok {
		inst.terminated = true
	}
	return nil
}

// Terminated reports whether the instance was terminated
func (p *Provisioner) Terminated(cloudInstanceID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	inst, ok := p.instances[cloudInstanceID]
	return ok && inst.terminated
}

// Running counts instances that were launched and not terminated
func (p *Provisioner) Running() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, inst := range p.instances {
		if !inst.terminated {
			n++
		}
	}
	return n
}
