package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	_ "modernc.org/sqlite"

	pkgentitlements "github.com/rcourtman/mealplan-entitlements/pkg/entitlements"
)

// Store persists subscriptions, usage counts and billing audit events in SQLite.
// It serves as both subscription and usage provider for the entitlement service.
type Store struct {
	db     *sql.DB
	dbPath string
	now    func() time.Time
}

// Open opens (or creates) the entitlements database in dir.
func Open(dir string) (*Store, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, fmt.Errorf("data dir is required")
	}
	dir = filepath.Clean(dir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	dbPath := filepath.Join(dir, "entitlements.db")
	dsn := dbPath + "?" + url.Values{
		"_pragma": []string{
			"busy_timeout(30000)",
			"journal_mode(WAL)",
			"synchronous(NORMAL)",
		},
	}.Encode()

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open entitlements db: %w", err)
	}
	// A single connection serializes writers, which Reserve relies on.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	s := &Store{db: db, dbPath: dbPath, now: time.Now}
	if err := s.initSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS subscriptions (
		tenant_id              TEXT PRIMARY KEY,
		tier                   TEXT NOT NULL,
		status                 TEXT NOT NULL,
		stripe_customer_id     TEXT NOT NULL DEFAULT '',
		stripe_subscription_id TEXT NOT NULL DEFAULT '',
		stripe_price_id        TEXT NOT NULL DEFAULT '',
		updated_at             INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_subscriptions_customer ON subscriptions(stripe_customer_id);

	CREATE TABLE IF NOT EXISTS usage_counts (
		tenant_id  TEXT NOT NULL,
		resource   TEXT NOT NULL,
		count      INTEGER NOT NULL DEFAULT 0,
		updated_at INTEGER NOT NULL,
		PRIMARY KEY (tenant_id, resource)
	);

	CREATE TABLE IF NOT EXISTS subscription_events (
		id              TEXT PRIMARY KEY,
		stripe_event_id TEXT NOT NULL UNIQUE,
		tenant_id       TEXT NOT NULL,
		event_type      TEXT NOT NULL,
		tier            TEXT NOT NULL,
		status          TEXT NOT NULL,
		created_at      INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_subscription_events_tenant ON subscription_events(tenant_id, created_at);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("init entitlements schema: %w", err)
	}
	return nil
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.dbPath
}

// Ping checks database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Subscription implements the subscription provider port.
func (s *Store) Subscription(ctx context.Context, tenantID string) (pkgentitlements.Subscription, error) {
	rec, err := s.SubscriptionRecord(ctx, tenantID)
	if err != nil {
		return pkgentitlements.Subscription{}, err
	}
	return rec.Subscription(), nil
}

// SubscriptionRecord returns the full stored record for tenantID.
func (s *Store) SubscriptionRecord(ctx context.Context, tenantID string) (SubscriptionRecord, error) {
	row := s.db.QueryRowContext(ctx, `SELECT
		tenant_id, tier, status, stripe_customer_id, stripe_subscription_id, stripe_price_id, updated_at
		FROM subscriptions WHERE tenant_id = ?`, tenantID)

	var (
		rec       SubscriptionRecord
		tier      string
		status    string
		updatedAt int64
	)
	err := row.Scan(&rec.TenantID, &tier, &status, &rec.StripeCustomerID, &rec.StripeSubscriptionID, &rec.StripePriceID, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return SubscriptionRecord{}, pkgentitlements.ErrSubscriptionNotFound
	}
	if err != nil {
		return SubscriptionRecord{}, fmt.Errorf("get subscription: %w", err)
	}
	// Tier is passed through unvalidated so the computer reports it as an unknown tier.
	rec.Tier = pkgentitlements.Tier(tier)
	rec.Status = pkgentitlements.SubscriptionStatus(status)
	rec.UpdatedAt = time.Unix(updatedAt, 0).UTC()
	return rec, nil
}

// SaveSubscription upserts rec unless the stored record is newer. It reports
// whether the row changed.
func (s *Store) SaveSubscription(ctx context.Context, rec SubscriptionRecord) (bool, error) {
	if err := s.normalize(&rec); err != nil {
		return false, err
	}
	res, err := upsertSubscription(ctx, s.db, rec)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func upsertSubscription(ctx context.Context, db execer, rec SubscriptionRecord) (sql.Result, error) {
	res, err := db.ExecContext(ctx, `
		INSERT INTO subscriptions (
			tenant_id, tier, status, stripe_customer_id, stripe_subscription_id, stripe_price_id, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(tenant_id) DO UPDATE SET
			tier = excluded.tier,
			status = excluded.status,
			stripe_customer_id = CASE WHEN excluded.stripe_customer_id != '' THEN excluded.stripe_customer_id ELSE subscriptions.stripe_customer_id END,
			stripe_subscription_id = CASE WHEN excluded.stripe_subscription_id != '' THEN excluded.stripe_subscription_id ELSE subscriptions.stripe_subscription_id END,
			stripe_price_id = CASE WHEN excluded.stripe_price_id != '' THEN excluded.stripe_price_id ELSE subscriptions.stripe_price_id END,
			updated_at = excluded.updated_at
		WHERE excluded.updated_at >= subscriptions.updated_at`,
		rec.TenantID, string(rec.Tier), string(rec.Status),
		rec.StripeCustomerID, rec.StripeSubscriptionID, rec.StripePriceID, rec.UpdatedAt.Unix(),
	)
	if err != nil {
		return nil, fmt.Errorf("save subscription: %w", err)
	}
	return res, nil
}

func (s *Store) normalize(rec *SubscriptionRecord) error {
	rec.TenantID = strings.TrimSpace(rec.TenantID)
	if rec.TenantID == "" {
		return fmt.Errorf("tenant id is required")
	}
	if !rec.Tier.Valid() {
		return &pkgentitlements.UnknownTierError{Tier: string(rec.Tier)}
	}
	if rec.Status == "" {
		rec.Status = pkgentitlements.StatusActive
	}
	if _, err := pkgentitlements.ParseSubscriptionStatus(string(rec.Status)); err != nil {
		return err
	}
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = s.now()
	}
	rec.UpdatedAt = rec.UpdatedAt.UTC()
	return nil
}

// ApplyOutcome reports what ApplySubscriptionChange did with an event.
type ApplyOutcome string

const (
	// ApplyApplied means the record changed and the audit row was written.
	ApplyApplied ApplyOutcome = "applied"
	// ApplyDuplicate means the Stripe event was already applied.
	ApplyDuplicate ApplyOutcome = "duplicate"
	// ApplyStale means the stored record is newer than the event. Nothing
	// is written.
	ApplyStale ApplyOutcome = "stale"
)

// ApplySubscriptionChange saves rec and records the billing event that caused
// it in one transaction. A Stripe event that was already applied is skipped
// (ApplyDuplicate), as is one older than the stored record (ApplyStale).
// Only applied changes leave an audit row, so a failed or stale event can be
// redelivered.
func (s *Store) ApplySubscriptionChange(ctx context.Context, rec SubscriptionRecord, event BillingEvent) (BillingEvent, ApplyOutcome, error) {
	if strings.TrimSpace(event.StripeEventID) == "" {
		return BillingEvent{}, "", fmt.Errorf("stripe event id is required")
	}
	if err := s.normalize(&rec); err != nil {
		return BillingEvent{}, "", err
	}
	if event.ID == "" {
		event.ID = ulid.Make().String()
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = s.now()
	}
	event.CreatedAt = event.CreatedAt.UTC()
	event.TenantID = rec.TenantID
	event.Tier = rec.Tier
	event.Status = rec.Status

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return BillingEvent{}, "", fmt.Errorf("begin subscription change: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `
		INSERT INTO subscription_events (id, stripe_event_id, tenant_id, event_type, tier, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(stripe_event_id) DO NOTHING`,
		event.ID, event.StripeEventID, event.TenantID, event.Type,
		string(event.Tier), string(event.Status), event.CreatedAt.Unix(),
	)
	if err != nil {
		return BillingEvent{}, "", fmt.Errorf("record billing event: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return event, ApplyDuplicate, nil
	}

	res, err = upsertSubscription(ctx, tx, rec)
	if err != nil {
		return BillingEvent{}, "", err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		// The deferred rollback drops the audit row.
		return event, ApplyStale, nil
	}
	if err := tx.Commit(); err != nil {
		return BillingEvent{}, "", fmt.Errorf("commit subscription change: %w", err)
	}
	return event, ApplyApplied, nil
}

// TenantByCustomer resolves a Stripe customer id to a tenant.
func (s *Store) TenantByCustomer(ctx context.Context, customerID string) (string, error) {
	var tenantID string
	err := s.db.QueryRowContext(ctx,
		`SELECT tenant_id FROM subscriptions WHERE stripe_customer_id = ? ORDER BY updated_at DESC LIMIT 1`,
		customerID,
	).Scan(&tenantID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrTenantNotFound
	}
	if err != nil {
		return "", fmt.Errorf("lookup tenant by customer: %w", err)
	}
	return tenantID, nil
}

// Events lists the latest applied billing events for tenantID, newest first.
func (s *Store) Events(ctx context.Context, tenantID string, limit int) ([]BillingEvent, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `SELECT
		id, stripe_event_id, tenant_id, event_type, tier, status, created_at
		FROM subscription_events WHERE tenant_id = ?
		ORDER BY id DESC LIMIT ?`, tenantID, limit)
	if err != nil {
		return nil, fmt.Errorf("list billing events: %w", err)
	}
	defer rows.Close()

	events := []BillingEvent{}
	for rows.Next() {
		var (
			ev        BillingEvent
			tier      string
			status    string
			createdAt int64
		)
		if err := rows.Scan(&ev.ID, &ev.StripeEventID, &ev.TenantID, &ev.Type, &tier, &status, &createdAt); err != nil {
			return nil, fmt.Errorf("scan billing event: %w", err)
		}
		ev.Tier = pkgentitlements.Tier(tier)
		ev.Status = pkgentitlements.SubscriptionStatus(status)
		ev.CreatedAt = time.Unix(createdAt, 0).UTC()
		events = append(events, ev)
	}
	return events, rows.Err()
}

// Snapshot implements the usage provider port. Missing counts are zero.
func (s *Store) Snapshot(ctx context.Context, tenantID string) (pkgentitlements.UsageSnapshot, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT resource, count FROM usage_counts WHERE tenant_id = ?`, tenantID)
	if err != nil {
		return pkgentitlements.UsageSnapshot{}, fmt.Errorf("read usage: %w", err)
	}
	defer rows.Close()

	var usage pkgentitlements.UsageSnapshot
	for rows.Next() {
		var (
			resource string
			count    int64
		)
		if err := rows.Scan(&resource, &count); err != nil {
			return pkgentitlements.UsageSnapshot{}, fmt.Errorf("scan usage: %w", err)
		}
		switch pkgentitlements.Resource(resource) {
		case pkgentitlements.ResourceCustomers:
			usage.CustomerCount = count
		case pkgentitlements.ResourceMealPlans:
			usage.MealPlanCount = count
		}
	}
	return usage, rows.Err()
}

// SetUsage overwrites the stored count, e.g. when reconciling with the
// application database.
func (s *Store) SetUsage(ctx context.Context, tenantID string, resource pkgentitlements.Resource, count int64) error {
	if count < 0 {
		return fmt.Errorf("usage count must be non-negative, got %d", count)
	}
	if _, err := pkgentitlements.ParseResource(string(resource)); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO usage_counts (tenant_id, resource, count, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(tenant_id, resource) DO UPDATE SET count = excluded.count, updated_at = excluded.updated_at`,
		tenantID, string(resource), count, s.now().UTC().Unix(),
	)
	if err != nil {
		return fmt.Errorf("set usage: %w", err)
	}
	return nil
}

// Reserve adds delta to the stored count only if the result stays within
// limit, checked in the same statement. Negative deltas release capacity and
// never drive the count below zero. It returns the count after the call and
// whether the change was applied.
func (s *Store) Reserve(ctx context.Context, tenantID string, resource pkgentitlements.Resource, delta int64, limit pkgentitlements.Limit) (int64, bool, error) {
	if _, err := pkgentitlements.ParseResource(string(resource)); err != nil {
		return 0, false, err
	}
	now := s.now().UTC().Unix()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, false, fmt.Errorf("begin reserve: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO usage_counts (tenant_id, resource, count, updated_at) VALUES (?, ?, 0, ?)
		ON CONFLICT(tenant_id, resource) DO NOTHING`,
		tenantID, string(resource), now,
	); err != nil {
		return 0, false, fmt.Errorf("seed usage row: %w", err)
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE usage_counts
		SET count = MAX(count + ?, 0), updated_at = ?
		WHERE tenant_id = ? AND resource = ?
			AND (? <= 0 OR ? < 0 OR count + ? <= ?)`,
		delta, now, tenantID, string(resource),
		delta, int64(limit), delta, int64(limit),
	)
	if err != nil {
		return 0, false, fmt.Errorf("reserve usage: %w", err)
	}
	applied, _ := res.RowsAffected()

	var current int64
	if err := tx.QueryRowContext(ctx,
		`SELECT count FROM usage_counts WHERE tenant_id = ? AND resource = ?`,
		tenantID, string(resource),
	).Scan(&current); err != nil {
		return 0, false, fmt.Errorf("read reserved usage: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, false, fmt.Errorf("commit reserve: %w", err)
	}
	return current, applied > 0, nil
}
