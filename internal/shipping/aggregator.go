package shipping

import (
	"checkout-service/internal/commission"
	"checkout-service/internal/models"

	"github.com/shopspring/decimal"
)

// Aggregator computes one shipping total per seller group
type Aggregator struct {
	smallOrderThreshold int64
	surchargeRate       decimal.Decimal
}

// NewAggregator creates an aggregator. Groups that declare no fee at all and
// whose subtotal is below threshold pay surchargeRate percent of the subtotal.
func NewAggregator(threshold int64, surchargeRate decimal.Decimal) *Aggregator {
	return &Aggregator{
		smallOrderThreshold: threshold,
		surchargeRate:       surchargeRate,
	}
}

type flatKey struct {
	productID string
	mode      models.FeeMode
}

// GroupShipping returns the group's shipping for the zone. per_unit lines pay
// fee x quantity; flat_once lines pay their fee once per product no matter how
// many lines or units carry it. The input is never modified.
func (a *Aggregator) GroupShipping(lines []models.CartLine, zone models.Zone) int64 {
	var total, subtotal int64
	declared := false
	charged := make(map[flatKey]struct{})

	for _, line := range lines {
		subtotal += line.LineTotal()
		if line.DeclaresFee() {
			declared = true
		}

		fee := line.Fee(zone)
		switch line.FeeMode {
		case models.FeeModePerUnit:
			total += fee * int64(line.Quantity)
		default:
			key := flatKey{productID: line.ProductID, mode: models.FeeModeFlatOnce}
			if _, seen := charged[key]; seen {
				continue
			}
			charged[key] = struct{}{}
			total += fee
		}
	}

	// TODO: the small-order surcharge and zone fees can both apply to one
	// buyer across groups; confirm with product whether that is intended.
	if !declared && subtotal > 0 && subtotal < a.smallOrderThreshold {
		total += commission.Percent(subtotal, a.surchargeRate)
	}

	return total
}
