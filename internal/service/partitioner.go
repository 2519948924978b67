package service

import (
	"context"
	"sort"
	"strings"
	"time"

	"checkout-service/internal/commission"
	"checkout-service/internal/models"
	"checkout-service/internal/shipping"
	"checkout-service/internal/util"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Pricing bundles the pure calculators used to price a seller group
type Pricing struct {
	Commission *commission.Calculator
	Shipping   *shipping.Aggregator
	VATRate    decimal.Decimal
}

// Partitioner turns a flat cart into priced seller groups
type Partitioner struct {
	sellers  SellerDirectory
	products ProductMetaLookup
	pricing  Pricing
	logger   *zap.Logger
	now      func() time.Time
}

// NewPartitioner creates a new partitioner
func NewPartitioner(sellers SellerDirectory, products ProductMetaLookup, pricing Pricing) *Partitioner {
	return &Partitioner{
		sellers:  sellers,
		products: products,
		pricing:  pricing,
		logger:   util.GetLogger(),
		now:      time.Now,
	}
}

// PartitionInput is everything a fresh batch run is built from
type PartitionInput struct {
	CustomerID      string
	Contact         models.Contact
	ShippingAddress string
	PaymentMethod   string
	Zone            models.Zone
	Currency        string
	Items           []models.CartItem
}

// Partition resolves the cart, groups it by seller and prices every group.
// The platform group sorts first, then sellers by display name.
func (p *Partitioner) Partition(ctx context.Context, in PartitionInput) (*models.BatchRun, error) {
	ctx, span := util.StartSpan(ctx, "Partitioner.Partition")
	defer span.End()

	lines := p.Resolve(ctx, in.Items)

	bySeller := make(map[string][]models.CartLine)
	order := make([]string, 0)
	for _, line := range lines {
		if _, ok := bySeller[line.SellerID]; !ok {
			order = append(order, line.SellerID)
		}
		bySeller[line.SellerID] = append(bySeller[line.SellerID], line)
	}

	sellers := p.lookupSellers(ctx, order)

	groups := make([]*models.SellerGroup, 0, len(order))
	for _, sellerID := range order {
		group := &models.SellerGroup{
			SellerID:      sellerID,
			Lines:         bySeller[sellerID],
			Tier:          models.TierFree,
			PaymentStatus: models.PaymentStatusPending,
		}
		applySeller(group, sellers)
		groups = append(groups, group)
	}

	sortGroups(groups)

	now := p.now()
	for i, group := range groups {
		group.Index = i
		p.price(group, in.Zone, now)
	}

	run := &models.BatchRun{
		SessionID:       uuid.New().String(),
		CustomerID:      in.CustomerID,
		Contact:         in.Contact,
		ShippingAddress: in.ShippingAddress,
		PaymentMethod:   in.PaymentMethod,
		Zone:            in.Zone,
		Currency:        in.Currency,
		Groups:          groups,
		FailedKeys:      []string{},
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	p.logger.Info("Cart partitioned",
		zap.String("session_id", run.SessionID),
		zap.String("customer_id", in.CustomerID),
		zap.Int("groups", len(groups)),
		zap.Int64("grand_total", run.Totals().Total))

	return run, nil
}

// Reprice recomputes every group for a new delivery zone. Calling it twice
// with the same zone gives the same amounts.
func (p *Partitioner) Reprice(run *models.BatchRun, zone models.Zone) {
	now := p.now()
	run.Zone = zone
	for _, group := range run.Groups {
		p.price(group, zone, now)
	}
}

// Resolve produces fully populated cart lines. Missing seller or shipping
// metadata comes from one batched product lookup; anything still unresolved
// falls back to a platform-owned line with no shipping fee.
func (p *Partitioner) Resolve(ctx context.Context, items []models.CartItem) []models.CartLine {
	missing := make([]string, 0)
	seen := make(map[string]struct{})
	for _, item := range items {
		if item.SellerID != nil && item.FeeMode != nil {
			continue
		}
		if _, ok := seen[item.ProductID]; ok {
			continue
		}
		seen[item.ProductID] = struct{}{}
		missing = append(missing, item.ProductID)
	}

	meta := make(map[string]models.ProductShippingMeta)
	if len(missing) > 0 {
		found, err := p.products.GetShippingMeta(ctx, missing)
		if err != nil {
			lookupErr := wrapError(KindLookupFailed, err, "product metadata lookup failed")
			util.LookupFailuresTotal.WithLabelValues("product").Inc()
			p.logger.Warn("Falling back to default shipping metadata",
				zap.Int("products", len(missing)),
				zap.Error(lookupErr))
		}
		for _, m := range found {
			meta[m.ProductID] = m
		}
	}

	lines := make([]models.CartLine, 0, len(items))
	for _, item := range items {
		lines = append(lines, resolveLine(item, meta))
	}
	return lines
}

func resolveLine(item models.CartItem, meta map[string]models.ProductShippingMeta) models.CartLine {
	line := models.CartLine{
		ProductID: item.ProductID,
		Name:      item.Name,
		UnitPrice: item.UnitPrice,
		Quantity:  item.Quantity,
		FeeMode:   models.FeeModeFlatOnce,
	}

	m, hasMeta := meta[item.ProductID]

	switch {
	case item.SellerID != nil:
		line.SellerID = *item.SellerID
	case hasMeta && m.SellerID != nil:
		line.SellerID = *m.SellerID
	}

	if item.FeeMode != nil {
		line.FeeMode = *item.FeeMode
		if item.ShippingFee != nil {
			line.ShippingFee = *item.ShippingFee
		}
		line.ZoneFees = item.ZoneFees
	} else if hasMeta {
		if m.FeeMode != "" {
			line.FeeMode = m.FeeMode
		}
		line.ShippingFee = m.ShippingFee
		line.ZoneFees = m.ZoneFees
	}

	return line
}

func (p *Partitioner) lookupSellers(ctx context.Context, ids []string) map[string]models.Seller {
	out := make(map[string]models.Seller)

	wanted := make([]string, 0, len(ids))
	for _, id := range ids {
		if id != "" {
			wanted = append(wanted, id)
		}
	}
	if len(wanted) == 0 {
		return out
	}

	sellers, err := p.sellers.GetSellers(ctx, wanted)
	if err != nil {
		lookupErr := wrapError(KindLookupFailed, err, "seller directory lookup failed")
		util.LookupFailuresTotal.WithLabelValues("seller").Inc()
		p.logger.Warn("Treating sellers as unconfigured",
			zap.Strings("seller_ids", wanted),
			zap.Error(lookupErr))
		return out
	}

	for _, s := range sellers {
		out[s.ID] = s
	}
	return out
}

// applySeller copies directory data onto the group. Sellers missing from the
// directory keep their id but get no payout destination, so they are charged
// to the platform account.
func applySeller(group *models.SellerGroup, sellers map[string]models.Seller) {
	if group.IsPlatform() {
		group.SellerName = models.PlatformSellerName
		return
	}

	seller, ok := sellers[group.SellerID]
	if !ok {
		group.SellerName = group.SellerID
		return
	}

	group.SellerName = seller.DisplayName
	if group.SellerName == "" {
		group.SellerName = seller.ID
	}
	group.OwnerUserID = seller.OwnerUserID
	if seller.Tier != "" {
		group.Tier = seller.Tier
	}
	group.Gift = seller.Gift()
	if seller.PayoutDestination != nil {
		group.PayoutDestination = *seller.PayoutDestination
	}
}

func sortGroups(groups []*models.SellerGroup) {
	sort.SliceStable(groups, func(i, j int) bool {
		a, b := groups[i], groups[j]
		if a.IsPlatform() != b.IsPlatform() {
			return a.IsPlatform()
		}
		an, bn := strings.ToLower(a.SellerName), strings.ToLower(b.SellerName)
		if an != bn {
			return an < bn
		}
		return a.SellerID < b.SellerID
	})
}

func (p *Partitioner) price(group *models.SellerGroup, zone models.Zone, now time.Time) {
	var subtotal int64
	for _, line := range group.Lines {
		subtotal += line.LineTotal()
	}

	group.Subtotal = subtotal
	group.Shipping = p.pricing.Shipping.GroupShipping(group.Lines, zone)
	group.Tax = commission.Percent(subtotal, p.pricing.VATRate)
	group.Total = group.Subtotal + group.Shipping + group.Tax
	group.Breakdown = p.pricing.Commission.Breakdown(group.Subtotal, group.Shipping, group.Tier, group.Gift, now)
}
