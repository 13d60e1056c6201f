package plans

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ProviderPrice is a payment provider price as seen by the catalog sync.
type ProviderPrice struct {
	ID          string
	ProductName string
	UnitAmount  int64
	Currency    string
	Recurring   bool
	Interval    string
	Active      bool
	Metadata    map[string]string
}

type SyncReport struct {
	Synced  int      `json:"synced"`
	Created int      `json:"created"`
	Updated int      `json:"updated"`
	Skipped []string `json:"skipped"`
}

// SyncPrices upserts catalog entries from provider prices. A price is only
// imported when its metadata names the catalog slug and the points it
// grants, so the catalog stays the single source of point quantities.
func (c *Catalog) SyncPrices(ctx context.Context, prices []ProviderPrice, validityDays int) (SyncReport, error) {
	report := SyncReport{Skipped: []string{}}

	for _, p := range prices {
		md := p.Metadata
		slug := strings.TrimSpace(md["slug"])
		points, _ := strconv.ParseInt(md["points"], 10, 64)
		if slug == "" || points <= 0 || !p.Active {
			report.Skipped = append(report.Skipped, p.ID)
			continue
		}

		name := p.ProductName
		if v := md["name"]; v != "" {
			name = v
		}
		visible := md["visible"] != "false"
		priceID := p.ID

		if p.Recurring {
			interval := IntervalMonth
			if p.Interval == IntervalYear {
				interval = IntervalYear
			}
			plan := Plan{
				Slug:          slug,
				Name:          name,
				PriceMinor:    p.UnitAmount,
				Currency:      strings.ToLower(p.Currency),
				Interval:      interval,
				Points:        points,
				Tier:          md["tier"],
				StripePriceID: &priceID,
				Active:        visible,
			}
			created, err := c.upsertPlan(ctx, &plan)
			if err != nil {
				return report, err
			}
			report.count(created)
			continue
		}

		bonus, _ := strconv.ParseInt(md["bonus_points"], 10, 64)
		days, _ := strconv.Atoi(md["validity_days"])
		if days <= 0 {
			days = validityDays
		}
		pkg := Package{
			Slug:          slug,
			Name:          name,
			PriceMinor:    p.UnitAmount,
			Currency:      strings.ToLower(p.Currency),
			Points:        points,
			BonusPoints:   bonus,
			ValidityDays:  days,
			StripePriceID: &priceID,
			Active:        visible,
		}
		created, err := c.upsertPackage(ctx, &pkg)
		if err != nil {
			return report, err
		}
		report.count(created)
	}
	return report, nil
}

func (r *SyncReport) count(created bool) {
	r.Synced++
	if created {
		r.Created++
	} else {
		r.Updated++
	}
}

func (c *Catalog) upsertPlan(ctx context.Context, p *Plan) (bool, error) {
	_, err := c.PlanBySlug(ctx, p.Slug)
	created := errors.Is(err, ErrPlanNotFound)
	if err != nil && !created {
		return false, err
	}
	if err := c.SavePlan(ctx, p); err != nil {
		return false, err
	}
	// Create skips a false Active because of the column default.
	if !p.Active {
		if err := c.db.WithContext(ctx).Model(&Plan{}).Where("id = ?", p.ID).Update("active", false).Error; err != nil {
			return false, fmt.Errorf("hide plan: %w", err)
		}
	}
	return created, nil
}

func (c *Catalog) upsertPackage(ctx context.Context, p *Package) (bool, error) {
	_, err := c.PackageBySlug(ctx, p.Slug)
	created := errors.Is(err, ErrPackageNotFound)
	if err != nil && !created {
		return false, err
	}
	if err := c.SavePackage(ctx, p); err != nil {
		return false, err
	}
	if !p.Active {
		if err := c.db.WithContext(ctx).Model(&Package{}).Where("id = ?", p.ID).Update("active", false).Error; err != nil {
			return false, fmt.Errorf("hide package: %w", err)
		}
	}
	return created, nil
}
