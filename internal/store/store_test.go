package store

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	pkgentitlements "github.com/rcourtman/mealplan-entitlements/pkg/entitlements"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestStore_SubscriptionPersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	s1, err := Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if _, err := s1.SaveSubscription(ctx, SubscriptionRecord{
		TenantID:         "tenant-1",
		Tier:             pkgentitlements.TierProfessional,
		Status:           pkgentitlements.StatusTrialing,
		StripeCustomerID: "cus_123",
	}); err != nil {
		t.Fatalf("SaveSubscription: %v", err)
	}
	_ = s1.Close()

	s2, err := Open(dir)
	if err != nil {
		t.Fatalf("Open reopen: %v", err)
	}
	t.Cleanup(func() { _ = s2.Close() })

	sub, err := s2.Subscription(ctx, "tenant-1")
	if err != nil {
		t.Fatalf("Subscription: %v", err)
	}
	if sub.Tier != pkgentitlements.TierProfessional || sub.Status != pkgentitlements.StatusTrialing {
		t.Fatalf("unexpected subscription: %+v", sub)
	}

	tenantID, err := s2.TenantByCustomer(ctx, "cus_123")
	if err != nil || tenantID != "tenant-1" {
		t.Fatalf("TenantByCustomer = %q/%v", tenantID, err)
	}
}

func TestStore_MissingRecords(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if _, err := s.Subscription(ctx, "nobody"); !errors.Is(err, pkgentitlements.ErrSubscriptionNotFound) {
		t.Fatalf("Subscription err=%v, want ErrSubscriptionNotFound", err)
	}
	if _, err := s.TenantByCustomer(ctx, "cus_missing"); !errors.Is(err, ErrTenantNotFound) {
		t.Fatalf("TenantByCustomer err=%v, want ErrTenantNotFound", err)
	}
	usage, err := s.Snapshot(ctx, "nobody")
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if usage != (pkgentitlements.UsageSnapshot{}) {
		t.Fatalf("expected zero usage, got %+v", usage)
	}
}

func TestStore_SaveSubscriptionRejectsInvalid(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	tests := []struct {
		name string
		rec  SubscriptionRecord
	}{
		{name: "missing_tenant", rec: SubscriptionRecord{Tier: pkgentitlements.TierStarter}},
		{name: "unknown_tier", rec: SubscriptionRecord{TenantID: "t", Tier: "gold"}},
		{name: "unknown_status", rec: SubscriptionRecord{TenantID: "t", Tier: pkgentitlements.TierStarter, Status: "frozen"}},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			if _, err := s.SaveSubscription(ctx, tt.rec); err == nil {
				t.Fatalf("expected error")
			}
		})
	}
}

func TestStore_OlderChangeDoesNotOverwriteNewer(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 4, 1, 10, 0, 0, 0, time.UTC)

	if _, err := s.SaveSubscription(ctx, SubscriptionRecord{TenantID: "t1", Tier: pkgentitlements.TierEnterprise, UpdatedAt: base}); err != nil {
		t.Fatalf("SaveSubscription: %v", err)
	}
	changed, err := s.SaveSubscription(ctx, SubscriptionRecord{TenantID: "t1", Tier: pkgentitlements.TierStarter, UpdatedAt: base.Add(-time.Hour)})
	if err != nil {
		t.Fatalf("SaveSubscription older: %v", err)
	}
	if changed {
		t.Fatalf("older change should be ignored")
	}

	sub, _ := s.Subscription(ctx, "t1")
	if sub.Tier != pkgentitlements.TierEnterprise {
		t.Fatalf("tier = %q, want enterprise", sub.Tier)
	}
}

func TestStore_ApplySubscriptionChangeDedupes(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	rec := SubscriptionRecord{TenantID: "t1", Tier: pkgentitlements.TierProfessional, StripeCustomerID: "cus_1"}
	event := BillingEvent{StripeEventID: "evt_1", Type: "customer.subscription.updated"}

	first, outcome, err := s.ApplySubscriptionChange(ctx, rec, event)
	if err != nil || outcome != ApplyApplied {
		t.Fatalf("first apply = %v/%v", outcome, err)
	}
	if first.ID == "" || first.Tier != pkgentitlements.TierProfessional {
		t.Fatalf("unexpected audit event: %+v", first)
	}

	rec.Tier = pkgentitlements.TierEnterprise
	_, outcome, err = s.ApplySubscriptionChange(ctx, rec, event)
	if err != nil {
		t.Fatalf("duplicate apply: %v", err)
	}
	if outcome != ApplyDuplicate {
		t.Fatalf("outcome = %q, want %q", outcome, ApplyDuplicate)
	}
	sub, _ := s.Subscription(ctx, "t1")
	if sub.Tier != pkgentitlements.TierProfessional {
		t.Fatalf("duplicate event changed tier to %q", sub.Tier)
	}

	events, err := s.Events(ctx, "t1", 10)
	if err != nil {
		t.Fatalf("Events: %v", err)
	}
	if len(events) != 1 || events[0].StripeEventID != "evt_1" {
		t.Fatalf("unexpected events: %+v", events)
	}
}

func TestStore_FailedApplyLeavesNoAuditRow(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	event := BillingEvent{StripeEventID: "evt_bad", Type: "customer.subscription.updated"}

	if _, _, err := s.ApplySubscriptionChange(ctx, SubscriptionRecord{TenantID: "t1", Tier: "gold"}, event); err == nil {
		t.Fatalf("expected invalid tier to fail")
	}
	_, outcome, err := s.ApplySubscriptionChange(ctx, SubscriptionRecord{TenantID: "t1", Tier: pkgentitlements.TierStarter}, event)
	if err != nil || outcome != ApplyApplied {
		t.Fatalf("retry after failure = %v/%v, want applied", outcome, err)
	}
}

func TestStore_StaleChangeLeavesNoAuditRow(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 4, 1, 10, 0, 0, 0, time.UTC)

	_, outcome, err := s.ApplySubscriptionChange(ctx,
		SubscriptionRecord{TenantID: "t1", Tier: pkgentitlements.TierEnterprise, UpdatedAt: base},
		BillingEvent{StripeEventID: "evt_new", Type: "customer.subscription.updated"})
	if err != nil || outcome != ApplyApplied {
		t.Fatalf("newer apply = %v/%v", outcome, err)
	}

	stale := BillingEvent{StripeEventID: "evt_old", Type: "customer.subscription.updated"}
	olderRec := SubscriptionRecord{TenantID: "t1", Tier: pkgentitlements.TierStarter, UpdatedAt: base.Add(-time.Hour)}
	for i := 0; i < 2; i++ {
		_, outcome, err = s.ApplySubscriptionChange(ctx, olderRec, stale)
		if err != nil {
			t.Fatalf("older apply %d: %v", i, err)
		}
		if outcome != ApplyStale {
			t.Fatalf("older apply %d outcome = %q, want %q", i, outcome, ApplyStale)
		}
	}

	sub, _ := s.Subscription(ctx, "t1")
	if sub.Tier != pkgentitlements.TierEnterprise {
		t.Fatalf("stale event changed tier to %q", sub.Tier)
	}
	events, err := s.Events(ctx, "t1", 10)
	if err != nil {
		t.Fatalf("Events: %v", err)
	}
	if len(events) != 1 || events[0].StripeEventID != "evt_new" {
		t.Fatalf("stale event should leave no audit row: %+v", events)
	}
}

func TestStore_UsageAndReserve(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.SetUsage(ctx, "t1", pkgentitlements.ResourceCustomers, 8); err != nil {
		t.Fatalf("SetUsage: %v", err)
	}
	if err := s.SetUsage(ctx, "t1", pkgentitlements.ResourceCustomers, -1); err == nil {
		t.Fatalf("expected negative usage to be rejected")
	}

	current, ok, err := s.Reserve(ctx, "t1", pkgentitlements.ResourceCustomers, 1, 9)
	if err != nil || !ok || current != 9 {
		t.Fatalf("Reserve to boundary = %d/%v/%v", current, ok, err)
	}
	current, ok, err = s.Reserve(ctx, "t1", pkgentitlements.ResourceCustomers, 1, 9)
	if err != nil || ok || current != 9 {
		t.Fatalf("Reserve past limit = %d/%v/%v, want 9/false", current, ok, err)
	}
	current, ok, err = s.Reserve(ctx, "t1", pkgentitlements.ResourceCustomers, -20, 9)
	if err != nil || !ok || current != 0 {
		t.Fatalf("release = %d/%v/%v, want 0/true", current, ok, err)
	}
	current, ok, err = s.Reserve(ctx, "t1", pkgentitlements.ResourceMealPlans, 5000, pkgentitlements.Unlimited)
	if err != nil || !ok || current != 5000 {
		t.Fatalf("unlimited reserve = %d/%v/%v", current, ok, err)
	}

	usage, err := s.Snapshot(ctx, "t1")
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if usage.CustomerCount != 0 || usage.MealPlanCount != 5000 {
		t.Fatalf("unexpected usage: %+v", usage)
	}
}

func TestStore_ConcurrentReserveNeverOvershoots(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	var (
		wg      sync.WaitGroup
		applied atomic.Int32
	)
	for i := 0; i < 40; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, ok, err := s.Reserve(ctx, "t1", pkgentitlements.ResourceMealPlans, 1, 25)
			if err != nil {
				t.Errorf("Reserve: %v", err)
				return
			}
			if ok {
				applied.Add(1)
			}
		}()
	}
	wg.Wait()

	if applied.Load() != 25 {
		t.Fatalf("applied = %d, want 25", applied.Load())
	}
	usage, _ := s.Snapshot(ctx, "t1")
	if usage.MealPlanCount != 25 {
		t.Fatalf("meal plans = %d, want 25", usage.MealPlanCount)
	}
}
