package interfaces

import (
	"context"

	"spotfleet/internal/model"
)

// SpotPriceSource reads current spot prices per pool
type SpotPriceSource interface {
	// SpotPrices returns the latest price of every pool of the given instance types in region
	SpotPrices(ctx context.Context, region string, instanceTypes []string) ([]*model.PoolPrice, error)
}
