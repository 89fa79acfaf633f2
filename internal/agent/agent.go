package agent

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jonboulle/clockwork"

	"spotfleet/internal/model"
	"spotfleet/pkg/config"
	"spotfleet/pkg/interfaces"
	"spotfleet/pkg/logger"
	"spotfleet/pkg/risk"
)

// Version is reported to the coordinator on registration
const Version = "1.0.0"

var _ Coordinator = (*Client)(nil)

var (
	errNoCandidate = errors.New("no candidate pool available")
	errPreempted   = errors.New("preempted by termination notice")
)

// Options are the collaborators of an Agent. Prices and Cleaner are optional.
type Options struct {
	Metadata interfaces.InstanceMetadata
	Prices   interfaces.SpotPriceSource
	Cleaner  interfaces.ResourceCleaner
	Clock    clockwork.Clock
	Risk     risk.Policy
}

// work is a switch attempt that a termination notice may preempt
// (a rebalance or an operator command)
type work struct {
	cancel    context.CancelFunc
	done      chan struct{}
	preempted bool           // guarded by Agent.mu
	replica   *model.Replica // guarded by Agent.mu
}

// switchPlan parameters of one pass through the replica and commit path
type switchPlan struct {
	trigger      model.TriggerType
	strategy     model.ReplicaStrategy
	event        *model.TerminationEvent
	poolID       string // fixed target, empty selects from ranked pools
	purchaseMode model.PurchaseMode
	replica      *model.Replica // candidate handed over from preempted work
	reuseManual  bool
	readyState   State // entered once the replica is ready, empty to go straight to Switching
	work         *work
}

// Agent drives the instance it runs on through the switch protocol.
// Its loops run independently; only one switch attempt runs at a time.
type Agent struct {
	cfg      config.AgentConfig
	coord    Coordinator
	metadata interfaces.InstanceMetadata
	prices   interfaces.SpotPriceSource
	cleaner  interfaces.ResourceCleaner
	clock    clockwork.Clock
	analyzer *risk.Analyzer
	pools    *poolCache

	mu            sync.Mutex
	state         State
	agentID       string
	identity      *interfaces.InstanceIdentity
	flags         model.AgentConfigFlags
	work          *work
	terminating   bool
	lastRebalance time.Time
	commands      map[string]struct{}
	history       []risk.Sample

	terminated chan struct{}
	background sync.WaitGroup
}

// New creates an agent. cfg must already carry defaults.
func New(cfg config.AgentConfig, coord Coordinator, opts Options) *Agent {
	clock := opts.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Agent{
		cfg:        cfg,
		coord:      coord,
		metadata:   opts.Metadata,
		prices:     opts.Prices,
		cleaner:    opts.Cleaner,
		clock:      clock,
		analyzer:   risk.NewAnalyzer(opts.Risk),
		pools:      newPoolCache(clock, seconds(cfg.PoolCacheTTL)),
		state:      StateActive,
		commands:   make(map[string]struct{}),
		terminated: make(chan struct{}),
	}
}

func seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}

// State returns the current lifecycle state
func (a *Agent) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// AgentID returns the id assigned on registration
func (a *Agent) AgentID() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.agentID
}

// Terminated is closed once the agent reached StateTerminated
func (a *Agent) Terminated() <-chan struct{} {
	return a.terminated
}

func (a *Agent) instanceID() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.identity == nil {
		return ""
	}
	return a.identity.InstanceID
}

func (a *Agent) poolID() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return model.BuildPoolID(a.identity.InstanceType, a.identity.AZ)
}

// Register reads the instance identity and registers with the coordinator
func (a *Agent) Register(ctx context.Context) error {
	identity, err := a.metadata.Identity(ctx)
	if err != nil {
		return fmt.Errorf("failed to read instance identity: %w", err)
	}

	purchaseMode := model.PurchaseMode(identity.PurchaseMode)
	if purchaseMode == "" {
		purchaseMode = model.PurchaseModeSpot
	}
	price := a.cfg.OnDemandPrice
	if purchaseMode == model.PurchaseModeSpot {
		price = a.currentSpotPrice(ctx, identity)
	}

	resp, err := a.coord.Register(ctx, &model.RegisterRequest{
		Hostname:     identity.Hostname,
		AgentVersion: Version,
		InstanceID:   identity.InstanceID,
		InstanceType: identity.InstanceType,
		Region:       identity.Region,
		AZ:           identity.AZ,
		ImageID:      identity.ImageID,
		PurchaseMode: purchaseMode,
		HourlyPrice:  price,
	})
	if err != nil {
		return fmt.Errorf("failed to register agent: %w", err)
	}

	a.mu.Lock()
	a.agentID = resp.AgentID
	a.identity = identity
	a.flags = resp.Config
	a.mu.Unlock()

	logger.InfoCtx(ctx, "agent registered, agent_id: %s, instance_id: %s, pool: %s, mode: %s",
		resp.AgentID, identity.InstanceID, model.BuildPoolID(identity.InstanceType, identity.AZ), resp.Config.Mode)
	return nil
}

func (a *Agent) currentSpotPrice(ctx context.Context, identity *interfaces.InstanceIdentity) float64 {
	if a.prices == nil {
		return 0
	}
	pools, err := a.prices.SpotPrices(ctx, identity.Region, []string{identity.InstanceType})
	if err != nil {
		logger.WarnCtx(ctx, "failed to read spot price of the current pool: %v", err)
		return 0
	}
	own := model.BuildPoolID(identity.InstanceType, identity.AZ)
	for _, p := range pools {
		if p.PoolID == own || model.BuildPoolID(p.InstanceType, p.AZ) == own {
			return p.Price
		}
	}
	return 0
}

// Run registers when needed and runs the agent loops until ctx is done or the
// instance is retired.
func (a *Agent) Run(ctx context.Context) error {
	if a.AgentID() == "" {
		if err := a.Register(ctx); err != nil {
			return err
		}
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	type loop struct {
		name     string
		interval time.Duration
		fn       func(context.Context) error
	}
	loops := []loop{
		{"interruption check", seconds(a.cfg.InterruptionInterval), a.checkInterruption},
		{"rebalance check", seconds(a.cfg.RebalanceInterval), a.checkRebalance},
		{"heartbeat", seconds(a.cfg.HeartbeatInterval), a.heartbeat},
		{"pricing report", seconds(a.cfg.PricingInterval), a.reportPricing},
	}
	if a.cfg.CleanupEnabled && a.cleaner != nil {
		loops = append(loops, loop{"cleanup report", seconds(a.cfg.CleanupInterval), a.reportCleanup})
	}

	var wg sync.WaitGroup
	for _, l := range loops {
		wg.Add(1)
		go func(l loop) {
			defer wg.Done()
			a.loop(ctx, l.name, l.interval, l.fn)
		}(l)
	}

	select {
	case <-ctx.Done():
	case <-a.terminated:
	}
	cancel()
	wg.Wait()
	a.background.Wait()

	if a.State() != StateTerminated {
		a.sendOffline(ctx)
	}
	logger.InfoCtx(ctx, "agent stopped in state %s", a.State())
	return nil
}

func (a *Agent) loop(ctx context.Context, name string, interval time.Duration, fn func(context.Context) error) {
	ticker := a.clock.NewTicker(interval)
	defer ticker.Stop()

	for {
		if err := fn(ctx); err != nil && ctx.Err() == nil {
			logger.WarnCtx(ctx, "%s failed: %v", name, err)
		}
		select {
		case <-ctx.Done():
			return
		case <-a.terminated:
			return
		case <-ticker.Chan():
		}
	}
}

// requestContext bounds a coordinator call that must go out even when ctx is done
func (a *Agent) requestContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), seconds(a.cfg.RequestTimeout))
}

func (a *Agent) sendOffline(ctx context.Context) {
	reqCtx, cancel := a.requestContext(ctx)
	defer cancel()
	_, err := a.coord.Heartbeat(reqCtx, a.AgentID(), &model.HeartbeatRequest{
		InstanceID: a.instanceID(),
		Status:     model.AgentStatusOffline,
	})
	if err != nil {
		logger.WarnCtx(ctx, "failed to send offline heartbeat: %v", err)
	}
}

// transition moves the state machine, refusing illegal moves
func (a *Agent) transition(ctx context.Context, to State) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.transitionLocked(ctx, to)
}

func (a *Agent) transitionLocked(ctx context.Context, to State) error {
	from := a.state
	if from == to {
		return nil
	}
	if !CanTransition(from, to) {
		err := &ErrIllegalTransition{From: from, To: to}
		logger.ErrorCtx(ctx, "agent %s: %v", a.agentID, err)
		return err
	}
	a.state = to
	logger.InfoCtx(ctx, "agent %s: %s -> %s", a.agentID, from, to)
	if to == StateTerminated {
		close(a.terminated)
	}
	return nil
}

// beginWork claims the single switch slot for a rebalance or command
func (a *Agent) beginWork(ctx context.Context, next State) (context.Context, *work, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.work != nil || a.terminating || a.state != StateActive {
		return nil, nil, false
	}
	if err := a.transitionLocked(ctx, next); err != nil {
		return nil, nil, false
	}
	workCtx, cancel := context.WithCancel(ctx)
	w := &work{cancel: cancel, done: make(chan struct{})}
	a.work = w
	return workCtx, w, true
}

func (a *Agent) endWork(w *work) {
	a.mu.Lock()
	if a.work == w {
		a.work = nil
	}
	a.mu.Unlock()
	w.cancel()
	close(w.done)
}

func (a *Agent) isPreempted(w *work) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return w.preempted
}

// restoreActive returns to Active after a rebalance or command that did not switch
func (a *Agent) restoreActive(ctx context.Context) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.state == StateRebalanceDetected || a.state == StateSwitching {
		_ = a.transitionLocked(ctx, StateActive)
	}
}

func (a *Agent) checkInterruption(ctx context.Context) error {
	notice, err := a.metadata.InterruptionNotice(ctx)
	if err != nil {
		return fmt.Errorf("failed to read interruption notice: %w", err)
	}
	if notice == nil {
		return nil
	}
	return a.HandleTermination(ctx, notice)
}

// HandleTermination runs the emergency switch for an interruption notice.
// It returns once the old instance is retired or the deadline passed, and the
// agent is Terminated either way. A notice that arrives while one is being
// handled is ignored.
func (a *Agent) HandleTermination(ctx context.Context, notice *interfaces.InterruptionNotice) error {
	detectedAt := a.clock.Now().UTC()
	deadline := model.TerminationDeadline(detectedAt, notice.Time, seconds(a.cfg.TerminationGrace))

	a.mu.Lock()
	if a.terminating || a.state == StateRetiring || a.state == StateTerminated {
		a.mu.Unlock()
		logger.DebugCtx(ctx, "termination notice already handled, state %s", a.State())
		return nil
	}
	a.terminating = true
	prior := a.work
	if prior != nil {
		prior.preempted = true
		// A commit in flight finishes on its own, retries stop at the next attempt
		if a.state != StateSwitching {
			prior.cancel()
		}
	}
	a.mu.Unlock()

	logger.WarnCtx(ctx, "termination notice, action: %s, deadline: %s", notice.Action, deadline.Format(time.RFC3339))

	workCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	var expired atomic.Bool
	timer := a.clock.AfterFunc(deadline.Sub(a.clock.Now())-seconds(a.cfg.SafetyMargin), func() {
		expired.Store(true)
		cancel()
	})
	defer timer.Stop()

	var inherited *model.Replica
	if prior != nil {
		select {
		case <-prior.done:
		case <-workCtx.Done():
		}
		a.mu.Lock()
		inherited = prior.replica
		a.mu.Unlock()
	}

	a.mu.Lock()
	if a.state == StateRetiring || a.state == StateTerminated {
		// the preempted work committed its switch first
		a.mu.Unlock()
		return nil
	}
	err := a.transitionLocked(ctx, StateTerminationImminent)
	a.mu.Unlock()
	if err != nil {
		_ = a.transition(ctx, StateTerminated)
		return err
	}

	result, err := a.reportSignal(workCtx, model.EventTypeTerminationNotice, notice.Action, notice.Time, detectedAt)
	if err != nil {
		_ = a.transition(ctx, StateTerminated)
		return fmt.Errorf("failed to report termination notice: %w", err)
	}
	event := result.Event
	if result.Upgraded {
		logger.InfoCtx(ctx, "rebalance event %s upgraded to a termination notice", event.EventID)
	}

	sw, reason, err := a.runSwitch(workCtx, &switchPlan{
		trigger:     model.TriggerEmergency,
		strategy:    model.ReplicaStrategyEmergency,
		event:       event,
		replica:     inherited,
		reuseManual: true,
		readyState:  StateReplicaReady,
	})
	if err != nil {
		if expired.Load() {
			reason = model.FailureDeadlineExceeded
		}
		logger.ErrorCtx(ctx, "emergency switch for event %s failed (%s): %v", event.EventID, reason, err)
		a.failEvent(ctx, event.EventID, reason)
		_ = a.transition(ctx, StateTerminated)
		return err
	}

	a.retire(ctx, sw, &deadline)
	return nil
}

func (a *Agent) checkRebalance(ctx context.Context) error {
	notice, err := a.metadata.RebalanceRecommendation(ctx)
	if err != nil {
		return fmt.Errorf("failed to read rebalance recommendation: %w", err)
	}
	if notice == nil {
		return nil
	}
	return a.HandleRebalance(ctx, notice)
}

// HandleRebalance declines or acts on a rebalance recommendation. Each
// recommendation is handled once.
func (a *Agent) HandleRebalance(ctx context.Context, notice *interfaces.RebalanceNotice) error {
	a.mu.Lock()
	seen := !notice.NoticeTime.IsZero() && notice.NoticeTime.Equal(a.lastRebalance)
	a.mu.Unlock()
	if seen {
		return nil
	}

	workCtx, w, ok := a.beginWork(ctx, StateRebalanceDetected)
	if !ok {
		logger.DebugCtx(ctx, "rebalance recommendation ignored, state %s", a.State())
		return nil
	}
	defer a.endWork(w)

	a.mu.Lock()
	a.lastRebalance = notice.NoticeTime
	a.mu.Unlock()

	result, err := a.reportSignal(workCtx, model.EventTypeRebalanceRecommendation, "", nil, a.clock.Now().UTC())
	if err != nil {
		a.restoreActive(ctx)
		return fmt.Errorf("failed to report rebalance recommendation: %w", err)
	}
	event := result.Event
	if event.EventType != model.EventTypeRebalanceRecommendation || event.Status != model.EventStatusDetected {
		// a termination notice or an earlier run already owns this event
		a.restoreActive(ctx)
		return nil
	}

	if reason, decline := a.declineReason(); decline {
		a.declineEvent(ctx, event.EventID, reason)
		a.restoreActive(ctx)
		return nil
	}

	budgetCtx, cancel := context.WithCancel(workCtx)
	defer cancel()
	timer := a.clock.AfterFunc(seconds(a.cfg.RebalanceBudget), cancel)
	defer timer.Stop()

	logger.InfoCtx(ctx, "acting on rebalance recommendation, event_id: %s", event.EventID)
	sw, reason, err := a.runSwitch(budgetCtx, &switchPlan{
		trigger:  model.TriggerAuto,
		strategy: model.ReplicaStrategyAuto,
		event:    event,
		work:     w,
	})
	if err != nil {
		a.restoreActive(ctx)
		if a.isPreempted(w) {
			logger.InfoCtx(ctx, "rebalance event %s handed over to the termination path", event.EventID)
			return nil
		}
		if budgetCtx.Err() != nil && ctx.Err() == nil {
			reason = model.FailureDeadlineExceeded
		}
		a.failEvent(ctx, event.EventID, reason)
		a.discardReplica(ctx, w)
		return err
	}

	a.retire(ctx, sw, nil)
	return nil
}

// declineReason decides whether a rebalance recommendation is left alone
func (a *Agent) declineReason() (string, bool) {
	a.mu.Lock()
	flags := a.flags
	history := append([]risk.Sample(nil), a.history...)
	a.mu.Unlock()

	if flags.Mode != model.AgentModeAutoSwitch || !flags.AutoSwitchEnabled {
		return "auto switch disabled", true
	}
	score := a.analyzer.Score(a.poolID(), history, 0)
	if score.Recommendation == risk.RecommendationSafe {
		return "pool is safe", true
	}
	return "", false
}

// RunCommand executes an operator switch command with the manual trigger
func (a *Agent) RunCommand(ctx context.Context, cmd *model.AgentCommand) error {
	if cmd.Kind != model.CommandKindSwitch {
		a.completeCommand(ctx, cmd, false, fmt.Sprintf("unsupported command kind %q", cmd.Kind))
		return nil
	}

	workCtx, w, ok := a.beginWork(ctx, StateActive)
	if !ok {
		// redelivered with a later heartbeat
		a.releaseCommand(cmd.CommandID)
		logger.InfoCtx(ctx, "command %s deferred, state %s", cmd.CommandID, a.State())
		return nil
	}
	defer a.endWork(w)

	budgetCtx, cancel := context.WithCancel(workCtx)
	defer cancel()
	timer := a.clock.AfterFunc(seconds(a.cfg.RebalanceBudget), cancel)
	defer timer.Stop()

	logger.InfoCtx(ctx, "running switch command %s to %s (%s)", cmd.CommandID, cmd.TargetPoolID, cmd.TargetPurchaseMode)
	sw, _, err := a.runSwitch(budgetCtx, &switchPlan{
		trigger:      model.TriggerManual,
		strategy:     model.ReplicaStrategyManual,
		poolID:       cmd.TargetPoolID,
		purchaseMode: cmd.TargetPurchaseMode,
		work:         w,
	})
	if err != nil {
		a.restoreActive(ctx)
		if a.isPreempted(w) {
			err = errPreempted
		}
		a.completeCommand(ctx, cmd, false, err.Error())
		return err
	}

	a.completeCommand(ctx, cmd, true, fmt.Sprintf("switched to %s in %s", sw.NewInstanceID, sw.NewPoolID))
	a.retire(ctx, sw, nil)
	return nil
}

// claimCommand reports whether the command is not already running
func (a *Agent) claimCommand(commandID string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.commands[commandID]; ok {
		return false
	}
	a.commands[commandID] = struct{}{}
	return true
}

func (a *Agent) releaseCommand(commandID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.commands, commandID)
}

func (a *Agent) completeCommand(ctx context.Context, cmd *model.AgentCommand, success bool, result string) {
	reqCtx, cancel := a.requestContext(ctx)
	defer cancel()
	err := a.coord.CompleteCommand(reqCtx, cmd.CommandID, &model.CommandResultRequest{Success: success, Result: result})
	if err != nil {
		logger.WarnCtx(ctx, "failed to complete command %s: %v", cmd.CommandID, err)
	}
}

// runSwitch prepares a ready candidate and commits the switch to it
func (a *Agent) runSwitch(ctx context.Context, plan *switchPlan) (*model.Switch, string, error) {
	initiatedAt := a.clock.Now().UTC()

	replica, reason, err := a.prepareReplica(ctx, plan)
	if err != nil {
		return nil, reason, err
	}
	if plan.readyState != "" {
		if err := a.transition(ctx, plan.readyState); err != nil {
			return nil, model.FailureCommitRejected, err
		}
	}
	if err := a.transition(ctx, StateSwitching); err != nil {
		return nil, model.FailureCommitRejected, err
	}

	req := &model.CommitSwitchRequest{
		AgentID:     a.AgentID(),
		ReplicaID:   replica.ReplicaID,
		TriggerType: plan.trigger,
		InitiatedAt: &initiatedAt,
	}
	if plan.event != nil {
		req.TerminationEventID = plan.event.EventID
	}
	sw, err := a.commit(ctx, req, plan.work)
	if err != nil {
		return nil, model.FailureCommitRejected, err
	}
	logger.InfoCtx(ctx, "switch committed, switch_id: %s, %s -> %s, price %.4f -> %.4f",
		sw.SwitchID, sw.OldPoolID, sw.NewPoolID, sw.OldPrice, sw.NewPrice)
	return sw, "", nil
}

// prepareReplica returns a ready candidate: the handed over replica, a ready
// manual standby, or a new replica in the best pool with one fallback pool
func (a *Agent) prepareReplica(ctx context.Context, plan *switchPlan) (*model.Replica, string, error) {
	if r := plan.replica; r != nil && r.Status.Open() {
		logger.InfoCtx(ctx, "reusing replica %s in %s", r.ReplicaID, r.PoolID)
		ready, err := a.awaitReady(ctx, r)
		if err == nil {
			return ready, "", nil
		}
		if ctx.Err() != nil {
			return nil, model.FailureDeadlineExceeded, err
		}
		logger.WarnCtx(ctx, "handed over replica %s unusable: %v", r.ReplicaID, err)
	}

	if plan.reuseManual {
		if r := a.readyManualReplica(ctx); r != nil {
			logger.InfoCtx(ctx, "reusing manual replica %s in %s", r.ReplicaID, r.PoolID)
			return r, "", nil
		}
	}

	candidates, err := a.candidates(ctx, plan)
	if err != nil {
		return nil, model.FailureNoCandidatePool, err
	}
	if len(candidates) == 0 {
		return nil, model.FailureNoCandidatePool, errNoCandidate
	}

	var lastErr error
	for i, pool := range candidates {
		if i == 2 || ctx.Err() != nil {
			break
		}
		req := &model.CreateReplicaRequest{
			AgentID:          a.AgentID(),
			ParentInstanceID: a.instanceID(),
			PoolID:           pool.PoolID,
			PurchaseMode:     pool.PurchaseMode,
			Strategy:         plan.strategy,
		}
		if plan.event != nil {
			req.TerminationEventID = plan.event.EventID
		}
		replica, err := a.coord.CreateReplica(ctx, req)
		if err != nil {
			lastErr = err
			logger.WarnCtx(ctx, "failed to create replica in %s: %v", pool.PoolID, err)
			continue
		}
		if plan.work != nil {
			a.mu.Lock()
			plan.work.replica = replica
			a.mu.Unlock()
		}

		ready, err := a.awaitReady(ctx, replica)
		if err == nil {
			return ready, "", nil
		}
		lastErr = err
		logger.WarnCtx(ctx, "replica %s in %s did not become ready: %v", replica.ReplicaID, pool.PoolID, err)
	}

	if ctx.Err() != nil {
		return nil, model.FailureDeadlineExceeded, ctx.Err()
	}
	return nil, model.FailureReplicaFailed, lastErr
}

func (a *Agent) candidates(ctx context.Context, plan *switchPlan) ([]model.RankedPool, error) {
	if plan.poolID != "" {
		mode := plan.purchaseMode
		if mode == "" {
			mode = model.PurchaseModeSpot
		}
		return []model.RankedPool{{PoolID: plan.poolID, PurchaseMode: mode}}, nil
	}
	return a.rankedPools(ctx)
}

// rankedPools serves the cache while fresh, else asks the coordinator and
// falls back to the stale list when that fails
func (a *Agent) rankedPools(ctx context.Context) ([]model.RankedPool, error) {
	if pools, ok := a.pools.fresh(); ok {
		return pools, nil
	}
	pools, err := a.coord.RankPools(ctx, a.AgentID())
	if err != nil {
		if stale := a.pools.last(); len(stale) > 0 {
			logger.WarnCtx(ctx, "failed to rank pools, using cached ranking: %v", err)
			return stale, nil
		}
		return nil, fmt.Errorf("failed to rank pools: %w", err)
	}
	a.pools.store(pools)
	return pools, nil
}

func (a *Agent) readyManualReplica(ctx context.Context) *model.Replica {
	replicas, err := a.coord.ListReplicas(ctx, a.AgentID(), model.ReplicaStatusReady)
	if err != nil {
		logger.WarnCtx(ctx, "failed to list ready replicas: %v", err)
		return nil
	}
	instanceID := a.instanceID()
	for _, r := range replicas {
		if r.Strategy == model.ReplicaStrategyManual && r.ParentInstanceID == instanceID {
			return r
		}
	}
	return nil
}

// awaitReady polls the replica until it is ready, failed or ctx ends
func (a *Agent) awaitReady(ctx context.Context, replica *model.Replica) (*model.Replica, error) {
	poll := seconds(a.cfg.ReplicaPollInterval)
	for {
		switch replica.Status {
		case model.ReplicaStatusReady:
			return replica, nil
		case model.ReplicaStatusFailed, model.ReplicaStatusTerminated, model.ReplicaStatusPromoted:
			return nil, fmt.Errorf("replica %s is %s %s", replica.ReplicaID, replica.Status, replica.FailureReason)
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-a.clock.After(poll):
		}

		refreshed, err := a.coord.GetReplica(ctx, replica.ReplicaID)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			logger.WarnCtx(ctx, "failed to refresh replica %s: %v", replica.ReplicaID, err)
			continue
		}
		replica = refreshed
	}
}

// commit retries only while another switch of the agent holds the lease
func (a *Agent) commit(ctx context.Context, req *model.CommitSwitchRequest, w *work) (*model.Switch, error) {
	var sw *model.Switch
	err := retry(ctx, a.clock, func() error {
		if w != nil && a.isPreempted(w) {
			return backoff.Permanent(errPreempted)
		}
		result, err := a.coord.CommitSwitch(ctx, req)
		if err == nil {
			sw = result
			return nil
		}
		if errors.Is(err, model.ErrConcurrentSwitchInProgress) {
			return err
		}
		return backoff.Permanent(err)
	}, func(err error, next time.Duration) {
		logger.WarnCtx(ctx, "switch commit for replica %s retrying in %v: %v", req.ReplicaID, next, err)
	})
	if err != nil {
		return nil, err
	}
	return sw, nil
}

// reportSignal delivers a signal, retrying transport failures until ctx ends
func (a *Agent) reportSignal(ctx context.Context, kind model.EventType, action string, actionTime *time.Time, detectedAt time.Time) (*model.SignalResult, error) {
	req := &model.SignalRequest{
		AgentID:    a.AgentID(),
		InstanceID: a.instanceID(),
		Kind:       kind,
		Action:     action,
		ActionTime: actionTime,
		DetectedAt: detectedAt,
	}
	var result *model.SignalResult
	err := retry(ctx, a.clock, func() error {
		res, err := a.coord.ReportSignal(ctx, req)
		if err == nil {
			result = res
			return nil
		}
		if model.ErrorCode(err) != "" {
			return backoff.Permanent(err)
		}
		return err
	}, func(err error, next time.Duration) {
		logger.WarnCtx(ctx, "reporting %s failed, retrying in %v: %v", kind, next, err)
	})
	if err != nil {
		return nil, err
	}
	if result.Duplicate {
		logger.InfoCtx(ctx, "%s already recorded as event %s", kind, result.Event.EventID)
	}
	return result, nil
}

// retire drains for the drain period, never past the deadline, then reports
// the old instance retired and stops the agent
func (a *Agent) retire(ctx context.Context, sw *model.Switch, deadline *time.Time) {
	_ = a.transition(ctx, StateRetiring)

	drain := seconds(a.cfg.DrainPeriod)
	if deadline != nil {
		if left := deadline.Sub(a.clock.Now()); left < drain {
			drain = left
		}
	}
	if drain > 0 {
		select {
		case <-ctx.Done():
		case <-a.clock.After(drain):
		}
	}

	reqCtx, cancel := a.requestContext(ctx)
	defer cancel()
	terminatedAt := a.clock.Now().UTC()
	err := a.coord.RetireInstance(reqCtx, sw.AgentID, sw.OldInstanceID, &model.RetireRequest{TerminatedAt: &terminatedAt})
	if err != nil {
		logger.WarnCtx(ctx, "failed to retire instance %s: %v", sw.OldInstanceID, err)
	}
	_ = a.transition(ctx, StateTerminated)
}

func (a *Agent) failEvent(ctx context.Context, eventID, reason string) {
	reqCtx, cancel := a.requestContext(ctx)
	defer cancel()
	if err := a.coord.FailEvent(reqCtx, eventID, reason); err != nil && !errors.Is(err, model.ErrEventClosed) {
		logger.WarnCtx(ctx, "failed to report event %s failed: %v", eventID, err)
	}
}

func (a *Agent) declineEvent(ctx context.Context, eventID, reason string) {
	reqCtx, cancel := a.requestContext(ctx)
	defer cancel()
	if err := a.coord.DeclineEvent(reqCtx, eventID, reason); err != nil {
		logger.WarnCtx(ctx, "failed to decline event %s: %v", eventID, err)
		return
	}
	logger.InfoCtx(ctx, "rebalance event %s declined: %s", eventID, reason)
}

// discardReplica terminates the auto replica of a failed rebalance. Manual
// replicas stay as standby.
func (a *Agent) discardReplica(ctx context.Context, w *work) {
	a.mu.Lock()
	replica := w.replica
	a.mu.Unlock()
	if replica == nil || replica.Strategy != model.ReplicaStrategyAuto {
		return
	}
	reqCtx, cancel := a.requestContext(ctx)
	defer cancel()
	if err := a.coord.TerminateReplica(reqCtx, replica.ReplicaID); err != nil {
		logger.WarnCtx(ctx, "failed to terminate replica %s, left for the orphan sweep: %v", replica.ReplicaID, err)
	}
}

func (a *Agent) heartbeat(ctx context.Context) error {
	status := model.AgentStatusOnline
	a.mu.Lock()
	if a.terminating {
		status = model.AgentStatusTerminating
	}
	a.mu.Unlock()

	resp, err := a.coord.Heartbeat(ctx, a.AgentID(), &model.HeartbeatRequest{
		InstanceID: a.instanceID(),
		Status:     status,
	})
	if err != nil {
		return fmt.Errorf("failed to send heartbeat: %w", err)
	}

	a.mu.Lock()
	a.flags = resp.Config
	a.mu.Unlock()

	for _, cmd := range resp.Commands {
		if !a.claimCommand(cmd.CommandID) {
			continue
		}
		a.background.Add(1)
		go func(cmd *model.AgentCommand) {
			defer a.background.Done()
			if err := a.RunCommand(ctx, cmd); err != nil {
				logger.WarnCtx(ctx, "command %s failed: %v", cmd.CommandID, err)
			}
		}(cmd)
	}
	return nil
}

// reportPricing sends local spot prices, keeps the current pool's history for
// rebalance decisions and refreshes the ranked pool cache
func (a *Agent) reportPricing(ctx context.Context) error {
	a.mu.Lock()
	identity := *a.identity
	agentID := a.agentID
	a.mu.Unlock()

	if a.prices != nil {
		pools, err := a.prices.SpotPrices(ctx, identity.Region, []string{identity.InstanceType})
		if err != nil {
			logger.WarnCtx(ctx, "failed to read spot prices: %v", err)
		} else {
			now := a.clock.Now().UTC()
			a.recordOwnPrice(pools, model.BuildPoolID(identity.InstanceType, identity.AZ), now)
			err := a.coord.ReportPricing(ctx, &model.PricingReport{
				AgentID:       agentID,
				Region:        identity.Region,
				InstanceType:  identity.InstanceType,
				OnDemandPrice: a.cfg.OnDemandPrice,
				Pools:         pools,
				ReportedAt:    now,
			})
			if err != nil {
				logger.WarnCtx(ctx, "failed to report pricing: %v", err)
			}
		}
	}

	pools, err := a.coord.RankPools(ctx, agentID)
	if err != nil {
		return fmt.Errorf("failed to refresh ranked pools: %w", err)
	}
	a.pools.store(pools)
	return nil
}

func (a *Agent) recordOwnPrice(pools []*model.PoolPrice, own string, now time.Time) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, p := range pools {
		if p.PoolID != own && model.BuildPoolID(p.InstanceType, p.AZ) != own {
			continue
		}
		observed := p.ObservedAt
		if observed.IsZero() {
			observed = now
		}
		a.history = append(a.history, risk.Sample{Price: p.Price, ObservedAt: observed})
	}

	cutoff := now.Add(-a.analyzer.Policy().Window)
	kept := a.history[:0]
	for _, s := range a.history {
		if !s.ObservedAt.Before(cutoff) {
			kept = append(kept, s)
		}
	}
	a.history = kept
}

func (a *Agent) reportCleanup(ctx context.Context) error {
	now := a.clock.Now().UTC()
	classes, err := a.cleaner.Cleanup(ctx, now)
	if err != nil {
		return fmt.Errorf("failed to clean up resources: %w", err)
	}
	if len(classes) == 0 {
		return nil
	}
	return a.coord.ReportCleanup(ctx, &model.CleanupReport{
		AgentID:   a.AgentID(),
		Timestamp: now,
		Classes:   classes,
	})
}
