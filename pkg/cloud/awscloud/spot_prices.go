package awscloud

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"spotfleet/internal/model"
	"spotfleet/pkg/logger"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/jonboulle/clockwork"
)

const spotPriceLookback = time.Hour

// SpotPriceChecker reads spot price history from EC2
type SpotPriceChecker struct {
	clients *Clients
	clock   clockwork.Clock
}

func NewSpotPriceChecker(clients *Clients, clock clockwork.Clock) *SpotPriceChecker {
	return &SpotPriceChecker{clients: clients, clock: clock}
}

// SpotPrices returns the newest price per pool of the given instance types
func (c *SpotPriceChecker) SpotPrices(ctx context.Context, region string, instanceTypes []string) ([]*model.PoolPrice, error) {
	if len(instanceTypes) == 0 {
		return nil, nil
	}

	ec2Types := make([]types.InstanceType, 0, len(instanceTypes))
	for _, t := range instanceTypes {
		ec2Types = append(ec2Types, types.InstanceType(t))
	}

	paginator := ec2.NewDescribeSpotPriceHistoryPaginator(c.clients.EC2(region), &ec2.DescribeSpotPriceHistoryInput{
		InstanceTypes:       ec2Types,
		ProductDescriptions: []string{"Linux/UNIX"},
		StartTime:           aws.Time(c.clock.Now().Add(-spotPriceLookback)),
	})

	latest := make(map[string]*model.PoolPrice)
	order := make([]string, 0)
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to describe spot price history in %s: %w", region, err)
		}

		for _, item := range page.SpotPriceHistory {
			if item.AvailabilityZone == nil || item.SpotPrice == nil {
				continue
			}
			price, err := strconv.ParseFloat(*item.SpotPrice, 64)
			if err != nil {
				logger.WarnCtx(ctx, "skipping unparsable spot price %q: %v", *item.SpotPrice, err)
				continue
			}
			observed := c.clock.Now()
			if item.Timestamp != nil {
				observed = item.Timestamp.UTC()
			}

			poolID := model.BuildPoolID(string(item.InstanceType), *item.AvailabilityZone)
			current, ok := latest[poolID]
			if !ok {
				order = append(order, poolID)
			} else if !observed.After(current.ObservedAt) {
				continue
			}
			latest[poolID] = &model.PoolPrice{
				PoolID:       poolID,
				InstanceType: string(item.InstanceType),
				AZ:           *item.AvailabilityZone,
				PurchaseMode: model.PurchaseModeSpot,
				Price:        price,
				ObservedAt:   observed,
			}
		}
	}

	prices := make([]*model.PoolPrice, 0, len(order))
	for _, poolID := range order {
		prices = append(prices, latest[poolID])
	}
	return prices, nil
}

// PoolPrice returns the newest spot price of one pool, 0 when unknown
func (c *SpotPriceChecker) PoolPrice(ctx context.Context, region, instanceType, az string) (float64, error) {
	resp, err := c.clients.EC2(region).DescribeSpotPriceHistory(ctx, &ec2.DescribeSpotPriceHistoryInput{
		InstanceTypes:       []types.InstanceType{types.InstanceType(instanceType)},
		AvailabilityZone:    aws.String(az),
		ProductDescriptions: []string{"Linux/UNIX"},
		StartTime:           aws.Time(c.clock.Now().Add(-spotPriceLookback)),
		MaxResults:          aws.Int32(1),
	})
	if err != nil {
		return 0, fmt.Errorf("failed to get spot price for %s in %s: %w", instanceType, az, err)
	}
	if len(resp.SpotPriceHistory) == 0 || resp.SpotPriceHistory[0].SpotPrice == nil {
		return 0, nil
	}
	price, err := strconv.ParseFloat(*resp.SpotPriceHistory[0].SpotPrice, 64)
	if err != nil {
		return 0, fmt.Errorf("failed to parse spot price: %w", err)
	}
	return price, nil
}
