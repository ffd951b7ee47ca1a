package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/thefoundary7-star/cursor-context-mcp-sub002/internal/clock"
	"github.com/thefoundary7-star/cursor-context-mcp-sub002/internal/config"
	entitlementdomain "github.com/thefoundary7-star/cursor-context-mcp-sub002/internal/entitlement/domain"
	entitlementrepo "github.com/thefoundary7-star/cursor-context-mcp-sub002/internal/entitlement/repository"
	licensedomain "github.com/thefoundary7-star/cursor-context-mcp-sub002/internal/license/domain"
	licenserepo "github.com/thefoundary7-star/cursor-context-mcp-sub002/internal/license/repository"
	subscriptiondomain "github.com/thefoundary7-star/cursor-context-mcp-sub002/internal/subscription/domain"
	subscriptionrepo "github.com/thefoundary7-star/cursor-context-mcp-sub002/internal/subscription/repository"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

const (
	testWebhookSecret = "whsec_test"
	testSigningSecret = "server-secret"
)

type reconcilerFixture struct {
	r   *Reconciler
	db  *gorm.DB
	clk *clock.FakeClock
}

func setupReconciler(t *testing.T) reconcilerFixture {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared&_loc=auto", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	if err := db.Exec("PRAGMA busy_timeout = 5000").Error; err != nil {
		t.Fatalf("busy_timeout: %v", err)
	}
	if err := db.AutoMigrate(
		&subscriptiondomain.Subscription{},
		&subscriptiondomain.SubscriptionEvent{},
		&subscriptiondomain.GracePeriod{},
		&licensedomain.License{},
		&entitlementdomain.ValidationCacheEntry{},
	); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	node, err := snowflake.NewNode(1)
	if err != nil {
		t.Fatalf("snowflake node: %v", err)
	}
	clk := clock.NewFakeClock(time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC))

	holder := config.NewStaticEntitlementConfigHolder(config.EntitlementConfig{
		Tiers: map[string]config.TierLimit{
			"FREE":       {MachineLimit: 0, DailyCallLimit: 50},
			"PRO":        {MachineLimit: 3, DailyCallLimit: -1},
			"ENTERPRISE": {MachineLimit: 10, DailyCallLimit: -1},
		},
		CacheTTLHours: 24,
		GraceDays:     7,
	})

	r := NewReconciler(ReconcilerParam{
		DB:    db,
		Log:   zap.NewNop(),
		GenID: node,
		Clock: clk,
		Cfg: config.Config{
			License: config.LicenseConfig{
				SigningSecret: testSigningSecret,
				WebhookSecret: testWebhookSecret,
			},
		},
		Entitlement: holder,
		Subs:        subscriptionrepo.Provide(),
		Events:      subscriptionrepo.ProvideEvents(),
		Graces:      subscriptionrepo.ProvideGrace(),
		Licenses:    licenserepo.Provide(),
		Cache:       entitlementrepo.Provide(),
	})
	return reconcilerFixture{r: r, db: db, clk: clk}
}

func (f reconcilerFixture) deliver(t *testing.T, id, eventType string, at time.Time, data map[string]any) error {
	t.Helper()
	body, err := json.Marshal(map[string]any{
		"id":        id,
		"type":      eventType,
		"timestamp": at,
		"data":      data,
	})
	if err != nil {
		t.Fatalf("marshal event: %v", err)
	}
	return f.r.Ingest(context.Background(), IngestRequest{
		Provider:  "billing",
		Signature: Sign(testWebhookSecret, body),
		Body:      body,
	})
}

func (f reconcilerFixture) subscription(t *testing.T, providerSubID string) *subscriptiondomain.Subscription {
	t.Helper()
	var sub subscriptiondomain.Subscription
	if err := f.db.Where("provider_sub_id = ?", providerSubID).First(&sub).Error; err != nil {
		t.Fatalf("load subscription %s: %v", providerSubID, err)
	}
	return &sub
}

func (f reconcilerFixture) license(t *testing.T, subID snowflake.ID) *licensedomain.License {
	t.Helper()
	var license licensedomain.License
	if err := f.db.Where("subscription_id = ?", subID).First(&license).Error; err != nil {
		t.Fatalf("load license: %v", err)
	}
	return &license
}

func (f reconcilerFixture) event(t *testing.T, providerEventID string) *subscriptiondomain.SubscriptionEvent {
	t.Helper()
	var event subscriptiondomain.SubscriptionEvent
	if err := f.db.Where("provider_event_id = ?", providerEventID).First(&event).Error; err != nil {
		t.Fatalf("load event %s: %v", providerEventID, err)
	}
	return &event
}

func createdData(periodEnd time.Time) map[string]any {
	return map[string]any{
		"subscription_id":    "sub_1",
		"customer_id":        "cus_1",
		"tier":               "pro",
		"status":             "active",
		"current_period_end": periodEnd,
	}
}

func TestIngestRejectsBadSignature(t *testing.T) {
	f := setupReconciler(t)
	body := []byte(`{"id":"evt_1","type":"subscription.created"}`)

	err := f.r.Ingest(context.Background(), IngestRequest{
		Provider:  "billing",
		Signature: Sign("wrong-secret", body),
		Body:      body,
	})
	if !errors.Is(err, ErrInvalidSignature) {
		t.Fatalf("expected ErrInvalidSignature, got %v", err)
	}

	var count int64
	if err := f.db.Model(&subscriptiondomain.SubscriptionEvent{}).Count(&count).Error; err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 0 {
		t.Fatalf("expected no inbox rows, got %d", count)
	}
}

func TestIngestRejectsMalformedEvent(t *testing.T) {
	f := setupReconciler(t)
	body := []byte(`{"type":"subscription.created"}`)

	err := f.r.Ingest(context.Background(), IngestRequest{
		Provider:  "billing",
		Signature: Sign(testWebhookSecret, body),
		Body:      body,
	})
	if !errors.Is(err, ErrMalformedEvent) {
		t.Fatalf("expected ErrMalformedEvent, got %v", err)
	}
}

func TestCreatedIssuesLicense(t *testing.T) {
	f := setupReconciler(t)
	periodEnd := f.clk.Now().Add(30 * 24 * time.Hour)

	if err := f.deliver(t, "evt_1", subscriptiondomain.EventTypeSubscriptionCreated, f.clk.Now(), createdData(periodEnd)); err != nil {
		t.Fatalf("deliver: %v", err)
	}

	sub := f.subscription(t, "sub_1")
	if sub.Status != subscriptiondomain.SubscriptionStatusActive {
		t.Fatalf("expected ACTIVE, got %s", sub.Status)
	}
	if sub.Tier != licensedomain.TierPro {
		t.Fatalf("expected PRO, got %s", sub.Tier)
	}

	license := f.license(t, sub.ID)
	if license.Tier != licensedomain.TierPro || license.Status != licensedomain.LicenseStatusActive {
		t.Fatalf("unexpected license %s/%s", license.Tier, license.Status)
	}
	if license.ExpiresAt == nil || !license.ExpiresAt.Equal(periodEnd) {
		t.Fatalf("expected expiry %s, got %v", periodEnd, license.ExpiresAt)
	}
	if license.MachineLimit != 3 || license.DailyCallLimit != -1 {
		t.Fatalf("expected PRO limits, got %d/%d", license.MachineLimit, license.DailyCallLimit)
	}
	if _, err := licensedomain.NewKeyCodec(testSigningSecret).ValidateFormat(license.Key); err != nil {
		t.Fatalf("issued key fails validation: %v", err)
	}

	if event := f.event(t, "evt_1"); event.Status != subscriptiondomain.EventStatusProcessed {
		t.Fatalf("expected PROCESSED, got %s", event.Status)
	}
}

func TestCreatedTrialingSubscription(t *testing.T) {
	f := setupReconciler(t)
	data := createdData(f.clk.Now().Add(14 * 24 * time.Hour))
	data["status"] = "trialing"

	if err := f.deliver(t, "evt_1", subscriptiondomain.EventTypeSubscriptionCreated, f.clk.Now(), data); err != nil {
		t.Fatalf("deliver: %v", err)
	}

	if sub := f.subscription(t, "sub_1"); sub.Status != subscriptiondomain.SubscriptionStatusTrialing {
		t.Fatalf("expected TRIALING, got %s", sub.Status)
	}
}

func TestDuplicateDeliveryAppliedOnce(t *testing.T) {
	f := setupReconciler(t)
	periodEnd := f.clk.Now().Add(30 * 24 * time.Hour)
	at := f.clk.Now()

	for i := 0; i < 2; i++ {
		if err := f.deliver(t, "evt_1", subscriptiondomain.EventTypeSubscriptionCreated, at, createdData(periodEnd)); err != nil {
			t.Fatalf("deliver %d: %v", i, err)
		}
	}

	for table, model := range map[string]any{
		"events":        &subscriptiondomain.SubscriptionEvent{},
		"subscriptions": &subscriptiondomain.Subscription{},
		"licenses":      &licensedomain.License{},
	} {
		var count int64
		if err := f.db.Model(model).Count(&count).Error; err != nil {
			t.Fatalf("count %s: %v", table, err)
		}
		if count != 1 {
			t.Fatalf("expected 1 %s row, got %d", table, count)
		}
	}
}

func TestStaleEventSkipped(t *testing.T) {
	f := setupReconciler(t)
	t0 := f.clk.Now().Add(-3 * time.Hour)
	t1 := f.clk.Now().Add(-2 * time.Hour)
	t2 := f.clk.Now().Add(-time.Hour)
	periodEnd := f.clk.Now().Add(30 * 24 * time.Hour)

	if err := f.deliver(t, "evt_created", subscriptiondomain.EventTypeSubscriptionCreated, t0, createdData(periodEnd)); err != nil {
		t.Fatalf("deliver created: %v", err)
	}
	if err := f.deliver(t, "evt_cancel", subscriptiondomain.EventTypeSubscriptionCanceled, t2, map[string]any{
		"subscription_id":      "sub_1",
		"cancel_at_period_end": false,
	}); err != nil {
		t.Fatalf("deliver cancel: %v", err)
	}

	// The renewal was emitted before the cancellation but arrives after it.
	if err := f.deliver(t, "evt_renew", subscriptiondomain.EventTypeSubscriptionRenewed, t1, map[string]any{
		"subscription_id":    "sub_1",
		"current_period_end": periodEnd,
	}); err != nil {
		t.Fatalf("deliver renew: %v", err)
	}

	if sub := f.subscription(t, "sub_1"); sub.Status != subscriptiondomain.SubscriptionStatusCanceled {
		t.Fatalf("expected CANCELED to stand, got %s", sub.Status)
	}
	if event := f.event(t, "evt_renew"); event.Status != subscriptiondomain.EventStatusSkipped {
		t.Fatalf("expected SKIPPED, got %s", event.Status)
	}
}

func TestPaymentFailedStartsGraceThenExpires(t *testing.T) {
	f := setupReconciler(t)
	periodEnd := f.clk.Now().Add(30 * 24 * time.Hour)

	if err := f.deliver(t, "evt_created", subscriptiondomain.EventTypeSubscriptionCreated, f.clk.Now(), createdData(periodEnd)); err != nil {
		t.Fatalf("deliver created: %v", err)
	}
	if err := f.deliver(t, "evt_fail", subscriptiondomain.EventTypePaymentFailed, f.clk.Now(), map[string]any{
		"subscription_id": "sub_1",
	}); err != nil {
		t.Fatalf("deliver payment failure: %v", err)
	}

	sub := f.subscription(t, "sub_1")
	if sub.Status != subscriptiondomain.SubscriptionStatusPastDue {
		t.Fatalf("expected PAST_DUE, got %s", sub.Status)
	}

	var grace subscriptiondomain.GracePeriod
	if err := f.db.Where("subscription_id = ?", sub.ID).First(&grace).Error; err != nil {
		t.Fatalf("load grace: %v", err)
	}
	if !grace.EndsAt.Equal(f.clk.Now().Add(7 * 24 * time.Hour)) {
		t.Fatalf("expected 7 day grace, ends %s", grace.EndsAt)
	}

	// Entitlements are untouched while the grace window is open.
	if license := f.license(t, sub.ID); license.Tier != licensedomain.TierPro || license.Status != licensedomain.LicenseStatusActive {
		t.Fatalf("expected license untouched during grace, got %s/%s", license.Tier, license.Status)
	}

	if err := f.r.ExpireGracePeriods(context.Background()); err != nil {
		t.Fatalf("expire within grace: %v", err)
	}
	if sub := f.subscription(t, "sub_1"); sub.Status != subscriptiondomain.SubscriptionStatusPastDue {
		t.Fatalf("expected PAST_DUE to hold inside grace, got %s", sub.Status)
	}

	f.clk.Advance(8 * 24 * time.Hour)
	if err := f.r.ExpireGracePeriods(context.Background()); err != nil {
		t.Fatalf("expire after grace: %v", err)
	}

	sub = f.subscription(t, "sub_1")
	if sub.Status != subscriptiondomain.SubscriptionStatusExpired {
		t.Fatalf("expected EXPIRED, got %s", sub.Status)
	}
	license := f.license(t, sub.ID)
	if license.Tier != licensedomain.TierFree {
		t.Fatalf("expected downgrade to FREE, got %s", license.Tier)
	}
	if err := f.db.Where("subscription_id = ? AND resolved_at IS NULL", sub.ID).First(&grace).Error; !errors.Is(err, gorm.ErrRecordNotFound) {
		t.Fatalf("expected grace resolved, got %v", err)
	}
}

func TestRenewalResolvesGraceAndRestoresLicense(t *testing.T) {
	f := setupReconciler(t)
	periodEnd := f.clk.Now().Add(30 * 24 * time.Hour)
	nextPeriodEnd := f.clk.Now().Add(60 * 24 * time.Hour)

	if err := f.deliver(t, "evt_created", subscriptiondomain.EventTypeSubscriptionCreated, f.clk.Now(), createdData(periodEnd)); err != nil {
		t.Fatalf("deliver created: %v", err)
	}
	if err := f.deliver(t, "evt_fail", subscriptiondomain.EventTypePaymentFailed, f.clk.Now().Add(time.Minute), map[string]any{
		"subscription_id": "sub_1",
	}); err != nil {
		t.Fatalf("deliver payment failure: %v", err)
	}
	if err := f.deliver(t, "evt_renew", subscriptiondomain.EventTypeSubscriptionRenewed, f.clk.Now().Add(2*time.Minute), map[string]any{
		"subscription_id":    "sub_1",
		"current_period_end": nextPeriodEnd,
	}); err != nil {
		t.Fatalf("deliver renewal: %v", err)
	}

	sub := f.subscription(t, "sub_1")
	if sub.Status != subscriptiondomain.SubscriptionStatusActive {
		t.Fatalf("expected ACTIVE after renewal, got %s", sub.Status)
	}
	license := f.license(t, sub.ID)
	if license.ExpiresAt == nil || !license.ExpiresAt.Equal(nextPeriodEnd) {
		t.Fatalf("expected expiry %s, got %v", nextPeriodEnd, license.ExpiresAt)
	}

	var grace subscriptiondomain.GracePeriod
	err := f.db.Where("subscription_id = ? AND resolved_at IS NULL", sub.ID).First(&grace).Error
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		t.Fatalf("expected grace resolved by renewal, got %v", err)
	}
}

func TestCancelAtPeriodEndDeferred(t *testing.T) {
	f := setupReconciler(t)
	periodEnd := f.clk.Now().Add(10 * 24 * time.Hour)

	if err := f.deliver(t, "evt_created", subscriptiondomain.EventTypeSubscriptionCreated, f.clk.Now(), createdData(periodEnd)); err != nil {
		t.Fatalf("deliver created: %v", err)
	}
	if err := f.deliver(t, "evt_cancel", subscriptiondomain.EventTypeSubscriptionCanceled, f.clk.Now().Add(time.Minute), map[string]any{
		"subscription_id":      "sub_1",
		"cancel_at_period_end": true,
	}); err != nil {
		t.Fatalf("deliver cancel: %v", err)
	}

	sub := f.subscription(t, "sub_1")
	if sub.Status != subscriptiondomain.SubscriptionStatusActive {
		t.Fatalf("expected paid access to continue, got %s", sub.Status)
	}
	if !sub.CancelAtPeriodEnd {
		t.Fatal("expected cancel_at_period_end flag")
	}
	license := f.license(t, sub.ID)
	if license.ExpiresAt == nil || !license.ExpiresAt.Equal(periodEnd) {
		t.Fatalf("expected license to run to period end, got %v", license.ExpiresAt)
	}

	f.clk.Advance(11 * 24 * time.Hour)
	if err := f.r.ExpireCanceled(context.Background()); err != nil {
		t.Fatalf("expire canceled: %v", err)
	}

	sub = f.subscription(t, "sub_1")
	if sub.Status != subscriptiondomain.SubscriptionStatusExpired {
		t.Fatalf("expected EXPIRED after period end, got %s", sub.Status)
	}
	if license := f.license(t, sub.ID); license.Tier != licensedomain.TierFree {
		t.Fatalf("expected downgrade to FREE, got %s", license.Tier)
	}
}

func TestImmediateCancel(t *testing.T) {
	f := setupReconciler(t)
	periodEnd := f.clk.Now().Add(10 * 24 * time.Hour)

	if err := f.deliver(t, "evt_created", subscriptiondomain.EventTypeSubscriptionCreated, f.clk.Now(), createdData(periodEnd)); err != nil {
		t.Fatalf("deliver created: %v", err)
	}
	if err := f.deliver(t, "evt_cancel", subscriptiondomain.EventTypeSubscriptionCanceled, f.clk.Now().Add(time.Minute), map[string]any{
		"subscription_id":      "sub_1",
		"cancel_at_period_end": false,
	}); err != nil {
		t.Fatalf("deliver cancel: %v", err)
	}

	sub := f.subscription(t, "sub_1")
	if sub.Status != subscriptiondomain.SubscriptionStatusCanceled {
		t.Fatalf("expected CANCELED, got %s", sub.Status)
	}
	if sub.CanceledAt == nil {
		t.Fatal("expected canceled_at set")
	}
	license := f.license(t, sub.ID)
	if license.ExpiresAt == nil || !license.ExpiresAt.Equal(f.clk.Now()) {
		t.Fatalf("expected immediate expiry, got %v", license.ExpiresAt)
	}
}

func TestCancelAtPeriodEndWithoutPeriodEndCancelsNow(t *testing.T) {
	f := setupReconciler(t)

	// No current_period_end on the subscription: a deferred cancel would
	// leave the license without an expiry, so it must cancel immediately.
	if err := f.deliver(t, "evt_created", subscriptiondomain.EventTypeSubscriptionCreated, f.clk.Now(), map[string]any{
		"subscription_id": "sub_1",
		"customer_id":     "cus_1",
		"tier":            "pro",
		"status":          "active",
	}); err != nil {
		t.Fatalf("deliver created: %v", err)
	}
	if err := f.deliver(t, "evt_cancel", subscriptiondomain.EventTypeSubscriptionCanceled, f.clk.Now().Add(time.Minute), map[string]any{
		"subscription_id":      "sub_1",
		"cancel_at_period_end": true,
	}); err != nil {
		t.Fatalf("deliver cancel: %v", err)
	}

	sub := f.subscription(t, "sub_1")
	if sub.Status != subscriptiondomain.SubscriptionStatusCanceled {
		t.Fatalf("expected CANCELED with no period end on record, got %s", sub.Status)
	}
	if sub.CancelAtPeriodEnd {
		t.Fatal("expected no deferred cancellation without a period end")
	}
	license := f.license(t, sub.ID)
	if license.ExpiresAt == nil || !license.ExpiresAt.Equal(f.clk.Now()) {
		t.Fatalf("expected immediate expiry, got %v", license.ExpiresAt)
	}
}

func TestFailedEventRetried(t *testing.T) {
	f := setupReconciler(t)
	periodEnd := f.clk.Now().Add(30 * 24 * time.Hour)
	createdAt := f.clk.Now().Add(-time.Hour)
	renewedAt := f.clk.Now()

	// Renewal arrives before the subscription exists.
	if err := f.deliver(t, "evt_renew", subscriptiondomain.EventTypeSubscriptionRenewed, renewedAt, map[string]any{
		"subscription_id":    "sub_1",
		"current_period_end": periodEnd,
	}); err != nil {
		t.Fatalf("deliver renewal: %v", err)
	}

	event := f.event(t, "evt_renew")
	if event.Status != subscriptiondomain.EventStatusFailed {
		t.Fatalf("expected FAILED, got %s", event.Status)
	}
	if event.Attempts != 1 {
		t.Fatalf("expected 1 attempt, got %d", event.Attempts)
	}

	if err := f.deliver(t, "evt_created", subscriptiondomain.EventTypeSubscriptionCreated, createdAt, createdData(periodEnd)); err != nil {
		t.Fatalf("deliver created: %v", err)
	}
	if err := f.r.RetryFailedEvents(context.Background()); err != nil {
		t.Fatalf("retry: %v", err)
	}

	if event := f.event(t, "evt_renew"); event.Status != subscriptiondomain.EventStatusProcessed {
		t.Fatalf("expected PROCESSED after retry, got %s", event.Status)
	}
	if sub := f.subscription(t, "sub_1"); sub.Status != subscriptiondomain.SubscriptionStatusActive {
		t.Fatalf("expected ACTIVE, got %s", sub.Status)
	}
}

func TestUnknownEventTypeSkipped(t *testing.T) {
	f := setupReconciler(t)

	if err := f.deliver(t, "evt_1", "invoice.paid", f.clk.Now(), map[string]any{
		"subscription_id": "sub_1",
	}); err != nil {
		t.Fatalf("deliver: %v", err)
	}
	if event := f.event(t, "evt_1"); event.Status != subscriptiondomain.EventStatusSkipped {
		t.Fatalf("expected SKIPPED, got %s", event.Status)
	}
}
