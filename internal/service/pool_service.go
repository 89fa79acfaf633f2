package service

import (
	"context"
	"fmt"
	"sort"
	"time"

	"spotfleet/internal/model"
	"spotfleet/pkg/interfaces"
	"spotfleet/pkg/logger"
	"spotfleet/pkg/risk"
	"spotfleet/pkg/store/mysql"
	redisstore "spotfleet/pkg/store/redis"

	"github.com/jonboulle/clockwork"
)

const (
	sourceAgent = "agent"
	sourceEC2   = "ec2"
)

// PoolService scores candidate pools from stored price history and keeps that history fed
type PoolService struct {
	repo      *mysql.Repository
	analyzer  *risk.Analyzer
	cache     *redisstore.PoolCache      // nil without Redis
	prices    interfaces.SpotPriceSource // nil when the EC2 poller is disabled
	clock     clockwork.Clock
	retention time.Duration
}

// NewPoolService creates a new pool service. cache and prices are optional.
func NewPoolService(repo *mysql.Repository, analyzer *risk.Analyzer, cache *redisstore.PoolCache, prices interfaces.SpotPriceSource, clock clockwork.Clock, retention time.Duration) *PoolService {
	return &PoolService{
		repo:      repo,
		analyzer:  analyzer,
		cache:     cache,
		prices:    prices,
		clock:     clock,
		retention: retention,
	}
}

// RankPools returns the candidate pools an agent may switch to, best first.
// Spot pools rated avoid are dropped; the on-demand pool of the current AZ is
// appended last as the fallback when its price is known.
func (s *PoolService) RankPools(ctx context.Context, agentID string) ([]model.RankedPool, error) {
	agent, err := s.repo.Agent.Get(ctx, agentID)
	if err != nil {
		return nil, err
	}
	if agent == nil {
		return nil, model.Reject(model.ErrNotFound, "agent %s", agentID)
	}

	if s.cache != nil {
		pools, ok, err := s.cache.Get(ctx, agentID)
		if err != nil {
			logger.WarnCtx(ctx, "pool cache read failed for agent %s: %v", agentID, err)
		} else if ok {
			return pools, nil
		}
	}

	current, err := s.repo.Instance.GetActive(ctx, agentID)
	if err != nil {
		return nil, err
	}
	if current == nil {
		return nil, model.Reject(model.ErrNotFound, "active instance of agent %s", agentID)
	}

	now := s.clock.Now().UTC()
	since := now.Add(-s.analyzer.Policy().Window)
	samples, err := s.repo.PriceSample.ListSince(ctx, current.Region, current.InstanceType, string(model.PurchaseModeSpot), since)
	if err != nil {
		return nil, err
	}

	byPool := make(map[string][]risk.Sample)
	for _, sample := range samples {
		if sample.PoolID == current.PoolID && current.PurchaseMode == string(model.PurchaseModeSpot) {
			continue
		}
		byPool[sample.PoolID] = append(byPool[sample.PoolID], risk.Sample{Price: sample.Price, ObservedAt: sample.ObservedAt})
	}

	poolIDs := make([]string, 0, len(byPool))
	for id := range byPool {
		poolIDs = append(poolIDs, id)
	}
	sort.Strings(poolIDs)

	interruptions, err := s.repo.TerminationEvent.CountInterruptions(ctx, poolIDs, since)
	if err != nil {
		return nil, err
	}

	scores := make([]risk.RiskScore, 0, len(poolIDs))
	for _, id := range poolIDs {
		scores = append(scores, s.analyzer.Score(id, byPool[id], interruptions[id]))
	}

	ranked := make([]model.RankedPool, 0, len(scores)+1)
	for _, score := range risk.Rank(scores) {
		instanceType, az, err := model.ParsePoolID(score.PoolID)
		if err != nil {
			continue
		}
		ranked = append(ranked, model.RankedPool{
			PoolID:         score.PoolID,
			InstanceType:   instanceType,
			AZ:             az,
			PurchaseMode:   model.PurchaseModeSpot,
			Price:          score.Price,
			RiskScore:      score.Score,
			Recommendation: string(score.Recommendation),
			Volatility:     score.Volatility,
			Interruptions:  score.Interruptions,
		})
	}

	if current.PurchaseMode != string(model.PurchaseModeOnDemand) {
		onDemand, err := s.repo.PriceSample.Latest(ctx, current.PoolID, string(model.PurchaseModeOnDemand))
		if err != nil {
			return nil, err
		}
		if onDemand != nil {
			ranked = append(ranked, model.RankedPool{
				PoolID:         current.PoolID,
				InstanceType:   current.InstanceType,
				AZ:             current.AZ,
				PurchaseMode:   model.PurchaseModeOnDemand,
				Price:          onDemand.Price,
				Recommendation: string(risk.RecommendationSafe),
			})
		}
	}

	if s.cache != nil {
		if err := s.cache.Set(ctx, agentID, ranked); err != nil {
			logger.WarnCtx(ctx, "pool cache write failed for agent %s: %v", agentID, err)
		}
	}
	return ranked, nil
}

// IngestPricing stores an agent price report as samples.
// The on-demand price is recorded once per reported AZ.
func (s *PoolService) IngestPricing(ctx context.Context, report *model.PricingReport) (int, error) {
	now := s.clock.Now().UTC()
	if report.ReportedAt.IsZero() || report.ReportedAt.After(now) {
		report.ReportedAt = now
	}
	report.ReportedAt = report.ReportedAt.UTC()
	if err := report.Validate(); err != nil {
		return 0, err
	}

	agent, err := s.repo.Agent.Get(ctx, report.AgentID)
	if err != nil {
		return 0, err
	}
	if agent == nil {
		return 0, model.Reject(model.ErrNotFound, "agent %s", report.AgentID)
	}

	samples := make([]*mysql.PriceSample, 0, len(report.Pools)+1)
	azs := make(map[string]string) // az -> instance type
	for _, p := range report.Pools {
		samples = append(samples, &mysql.PriceSample{
			PoolID:       p.PoolID,
			InstanceType: p.InstanceType,
			Region:       report.Region,
			AZ:           p.AZ,
			PurchaseMode: string(p.PurchaseMode),
			Price:        p.Price,
			Source:       sourceAgent,
			ObservedAt:   p.ObservedAt.UTC(),
		})
		if p.InstanceType == report.InstanceType || report.InstanceType == "" {
			azs[p.AZ] = p.InstanceType
		}
	}

	if report.OnDemandPrice > 0 {
		if current, err := s.repo.Instance.GetActive(ctx, report.AgentID); err == nil && current != nil {
			if _, ok := azs[current.AZ]; !ok {
				azs[current.AZ] = current.InstanceType
			}
		}
		zones := make([]string, 0, len(azs))
		for az := range azs {
			zones = append(zones, az)
		}
		sort.Strings(zones)
		for _, az := range zones {
			instanceType := azs[az]
			if report.InstanceType != "" {
				instanceType = report.InstanceType
			}
			samples = append(samples, &mysql.PriceSample{
				PoolID:       model.BuildPoolID(instanceType, az),
				InstanceType: instanceType,
				Region:       report.Region,
				AZ:           az,
				PurchaseMode: string(model.PurchaseModeOnDemand),
				Price:        report.OnDemandPrice,
				Source:       sourceAgent,
				ObservedAt:   report.ReportedAt,
			})
		}
	}

	if len(samples) == 0 {
		return 0, nil
	}
	if err := s.repo.PriceSample.BatchCreate(ctx, samples); err != nil {
		return 0, fmt.Errorf("failed to store price report: %w", err)
	}

	if s.cache != nil {
		if err := s.cache.Invalidate(ctx, report.AgentID); err != nil {
			logger.WarnCtx(ctx, "pool cache invalidation failed for agent %s: %v", report.AgentID, err)
		}
	}
	logger.DebugCtx(ctx, "pricing report stored, agent_id: %s, samples: %d", report.AgentID, len(samples))
	return len(samples), nil
}

// PollSpotPrices records EC2 spot prices for every instance type the fleet runs
func (s *PoolService) PollSpotPrices(ctx context.Context) (int, error) {
	if s.prices == nil {
		return 0, nil
	}
	active, err := s.repo.Instance.ListActivePools(ctx)
	if err != nil {
		return 0, err
	}

	typesByRegion := make(map[string]map[string]bool)
	for _, inst := range active {
		if typesByRegion[inst.Region] == nil {
			typesByRegion[inst.Region] = make(map[string]bool)
		}
		typesByRegion[inst.Region][inst.InstanceType] = true
	}

	now := s.clock.Now().UTC()
	stored := 0
	for region, set := range typesByRegion {
		instanceTypes := make([]string, 0, len(set))
		for t := range set {
			instanceTypes = append(instanceTypes, t)
		}
		sort.Strings(instanceTypes)

		prices, err := s.prices.SpotPrices(ctx, region, instanceTypes)
		if err != nil {
			logger.WarnCtx(ctx, "spot price poll failed for region %s: %v", region, err)
			continue
		}
		samples := make([]*mysql.PriceSample, 0, len(prices))
		for _, p := range prices {
			observed := p.ObservedAt.UTC()
			if observed.IsZero() {
				observed = now
			}
			samples = append(samples, &mysql.PriceSample{
				PoolID:       p.PoolID,
				InstanceType: p.InstanceType,
				Region:       region,
				AZ:           p.AZ,
				PurchaseMode: string(model.PurchaseModeSpot),
				Price:        p.Price,
				Source:       sourceEC2,
				ObservedAt:   observed,
			})
		}
		if len(samples) == 0 {
			continue
		}
		if err := s.repo.PriceSample.BatchCreate(ctx, samples); err != nil {
			return stored, fmt.Errorf("failed to store polled prices: %w", err)
		}
		stored += len(samples)
	}
	return stored, nil
}

// PrunePrices drops samples older than the retention period
func (s *PoolService) PrunePrices(ctx context.Context) (int64, error) {
	cutoff := s.clock.Now().UTC().Add(-s.retention)
	n, err := s.repo.PriceSample.DeleteBefore(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		logger.InfoCtx(ctx, "pruned %d price samples older than %s", n, cutoff.Format(time.RFC3339))
	}
	return n, nil
}
