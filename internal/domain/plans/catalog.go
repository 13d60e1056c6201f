package plans

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"gorm.io/gorm"
)

var (
	ErrPlanNotFound    = errors.New("plans: plan not found")
	ErrPackageNotFound = errors.New("plans: points package not found")
	ErrNoPriceMatch    = errors.New("plans: no catalog entry matches price")
	ErrAmbiguousPrice  = errors.New("plans: price matches more than one catalog entry")
)

// Catalog is the only place that maps a purchasable item to the points it
// grants. Checkout, reconciliation, and the public listing all read it.
type Catalog struct {
	db *gorm.DB
}

func NewCatalog(db *gorm.DB) *Catalog {
	return &Catalog{db: db}
}

func (c *Catalog) ListPlans(ctx context.Context, activeOnly bool) ([]Plan, error) {
	var out []Plan
	q := c.db.WithContext(ctx).Model(&Plan{})
	if activeOnly {
		q = q.Where("active = ?", true)
	}
	if err := q.Order("price_minor ASC").Find(&out).Error; err != nil {
		return nil, fmt.Errorf("list plans: %w", err)
	}
	return out, nil
}

func (c *Catalog) ListPackages(ctx context.Context, activeOnly bool) ([]Package, error) {
	var out []Package
	q := c.db.WithContext(ctx).Model(&Package{})
	if activeOnly {
		q = q.Where("active = ?", true)
	}
	if err := q.Order("price_minor ASC").Find(&out).Error; err != nil {
		return nil, fmt.Errorf("list packages: %w", err)
	}
	return out, nil
}

func (c *Catalog) Plan(ctx context.Context, id uint) (*Plan, error) {
	return c.findPlan(ctx, "id = ?", id)
}

func (c *Catalog) PlanBySlug(ctx context.Context, slug string) (*Plan, error) {
	return c.findPlan(ctx, "slug = ?", slug)
}

func (c *Catalog) PlanByStripePrice(ctx context.Context, priceID string) (*Plan, error) {
	return c.findPlan(ctx, "stripe_price_id = ?", priceID)
}

func (c *Catalog) Package(ctx context.Context, id uint) (*Package, error) {
	return c.findPackage(ctx, "id = ?", id)
}

func (c *Catalog) PackageBySlug(ctx context.Context, slug string) (*Package, error) {
	return c.findPackage(ctx, "slug = ?", slug)
}

func (c *Catalog) findPlan(ctx context.Context, query string, arg any) (*Plan, error) {
	var p Plan
	if err := c.db.WithContext(ctx).Where(query, arg).First(&p).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrPlanNotFound
		}
		return nil, fmt.Errorf("get plan: %w", err)
	}
	return &p, nil
}

func (c *Catalog) findPackage(ctx context.Context, query string, arg any) (*Package, error) {
	var p Package
	if err := c.db.WithContext(ctx).Where(query, arg).First(&p).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrPackageNotFound
		}
		return nil, fmt.Errorf("get package: %w", err)
	}
	return &p, nil
}

// PointsForPrice is the deprecated legacy lookup for payments that predate
// explicit point metadata. It consults the catalog tables, never a second
// price table, and refuses to guess when the amount is ambiguous.
//
// Deprecated: payment metadata must carry the point quantity.
func (c *Catalog) PointsForPrice(ctx context.Context, subscription bool, amountMinor int64, currency string) (int64, error) {
	currency = strings.ToLower(currency)
	var model any = &Package{}
	if subscription {
		model = &Plan{}
	}
	var points []int64
	if err := c.db.WithContext(ctx).Model(model).
		Where("price_minor = ? AND currency = ?", amountMinor, currency).
		Pluck("points", &points).Error; err != nil {
		return 0, fmt.Errorf("match price: %w", err)
	}
	switch len(points) {
	case 0:
		return 0, ErrNoPriceMatch
	case 1:
		return points[0], nil
	default:
		return 0, ErrAmbiguousPrice
	}
}

// SavePlan inserts or updates a plan keyed by slug.
func (c *Catalog) SavePlan(ctx context.Context, p *Plan) error {
	var existing Plan
	err := c.db.WithContext(ctx).Where("slug = ?", p.Slug).First(&existing).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		if err := c.db.WithContext(ctx).Create(p).Error; err != nil {
			return fmt.Errorf("create plan: %w", err)
		}
		return nil
	case err != nil:
		return fmt.Errorf("find plan: %w", err)
	}
	p.ID = existing.ID
	p.CreatedAt = existing.CreatedAt
	if err := c.db.WithContext(ctx).Save(p).Error; err != nil {
		return fmt.Errorf("update plan: %w", err)
	}
	return nil
}

// SavePackage inserts or updates a package keyed by slug.
func (c *Catalog) SavePackage(ctx context.Context, p *Package) error {
	var existing Package
	err := c.db.WithContext(ctx).Where("slug = ?", p.Slug).First(&existing).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		if err := c.db.WithContext(ctx).Create(p).Error; err != nil {
			return fmt.Errorf("create package: %w", err)
		}
		return nil
	case err != nil:
		return fmt.Errorf("find package: %w", err)
	}
	p.ID = existing.ID
	p.CreatedAt = existing.CreatedAt
	if err := c.db.WithContext(ctx).Save(p).Error; err != nil {
		return fmt.Errorf("update package: %w", err)
	}
	return nil
}

// EnsureDefaults seeds the catalog on an empty database.
func (c *Catalog) EnsureDefaults(ctx context.Context, validityDays int) error {
	var count int64
	if err := c.db.WithContext(ctx).Model(&Plan{}).Count(&count).Error; err != nil {
		return fmt.Errorf("count plans: %w", err)
	}
	if count == 0 {
		for _, p := range defaultPlans() {
			p := p
			if err := c.SavePlan(ctx, &p); err != nil {
				return err
			}
		}
	}

	if err := c.db.WithContext(ctx).Model(&Package{}).Count(&count).Error; err != nil {
		return fmt.Errorf("count packages: %w", err)
	}
	if count == 0 {
		for _, p := range defaultPackages(validityDays) {
			p := p
			if err := c.SavePackage(ctx, &p); err != nil {
				return err
			}
		}
	}
	return nil
}

func defaultPlans() []Plan {
	return []Plan{
		{Slug: "basic-monthly", Name: "Basic", PriceMinor: 999, Currency: "usd", Interval: IntervalMonth, Points: 680, Tier: TierBasic, Active: true},
		{Slug: "pro-monthly", Name: "Pro", PriceMinor: 2999, Currency: "usd", Interval: IntervalMonth, Points: 2400, Tier: TierPro, Active: true},
		{Slug: "studio-yearly", Name: "Studio", PriceMinor: 9999, Currency: "usd", Interval: IntervalYear, Points: 8000, Tier: TierStudio, Active: true},
	}
}

func defaultPackages(validityDays int) []Package {
	return []Package{
		{Slug: "starter-pack", Name: "Starter pack", PriceMinor: 499, Currency: "usd", Points: 300, ValidityDays: validityDays, Active: true},
		{Slug: "value-pack", Name: "Value pack", PriceMinor: 1999, Currency: "usd", Points: 1500, BonusPoints: 150, ValidityDays: validityDays, Active: true},
	}
}
