package ratelimit

import (
	"context"
	"log"

	"github.com/orafinite/backend/internal/database"
)

// PlanSource supplies the billing lookups used when a key carries no
// explicit quota. *database.DB satisfies it.
type PlanSource interface {
	GetActiveSubscriptionPlan(ctx context.Context, orgID string) (string, error)
	GetOrganization(ctx context.Context, orgID string) (*database.Organization, error)
}

// ResolveQuota walks the precedence chain for a key's monthly allowance:
// an explicit per-key quota wins, then the key's pinned plan, then the
// organization's active subscription, then the organization's plan, then
// the platform default.
//
// A per-key quota equal to the platform default is treated as unset, and
// a pinned "basic" plan falls through too: both are the values keys are
// minted with, so they must not shadow a paid subscription.
func ResolveQuota(ctx context.Context, src PlanSource, key *database.APIKey) int64 {
	if key.MonthlyQuota != nil && *key.MonthlyQuota > 0 && *key.MonthlyQuota != DefaultMonthlyQuota {
		return *key.MonthlyQuota
	}
	if key.Plan != nil && *key.Plan != "" && *key.Plan != "basic" {
		return QuotaForPlan(*key.Plan)
	}

	plan, err := src.GetActiveSubscriptionPlan(ctx, key.OrganizationID)
	if err == nil && plan != "" {
		return QuotaForPlan(plan)
	}
	if err != nil && err != database.ErrNotFound {
		log.Printf("⚠️ [Quota] subscription lookup for org %s: %v", key.OrganizationID, err)
	}

	org, err := src.GetOrganization(ctx, key.OrganizationID)
	if err == nil && org != nil && org.Plan != "" {
		return QuotaForPlan(org.Plan)
	}
	if err != nil && err != database.ErrNotFound {
		log.Printf("⚠️ [Quota] organization lookup for %s: %v", key.OrganizationID, err)
	}

	return DefaultMonthlyQuota
}
