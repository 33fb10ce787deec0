package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

var (
	// ErrNotConfigured indicates the storage pool was not initialised.
	ErrNotConfigured = errors.New("storage: pool not configured")
	// ErrNotFound indicates the requested record does not exist.
	ErrNotFound = errors.New("storage: not found")
)

const (
	upsertDepositSQL = `INSERT INTO deposits (
        deposit_id,
        owner,
        verifier,
        amount,
        closed,
        updated_at
    ) VALUES (
        $1,$2,$3,$4,$5,NOW()
    )
    ON CONFLICT (deposit_id) DO UPDATE
    SET
        owner      = CASE WHEN EXCLUDED.owner <> '' THEN EXCLUDED.owner ELSE deposits.owner END,
        verifier   = CASE WHEN EXCLUDED.verifier <> '' THEN EXCLUDED.verifier ELSE deposits.verifier END,
        amount     = CASE WHEN EXCLUDED.amount > 0 THEN EXCLUDED.amount ELSE deposits.amount END,
        closed     = deposits.closed OR EXCLUDED.closed,
        updated_at = NOW();`

	getDepositSQL = `SELECT deposit_id, owner, verifier, amount, closed, updated_at
    FROM deposits WHERE deposit_id = $1;`

	getDepositAmountSQL = `SELECT amount FROM deposits WHERE deposit_id = $1;`

	storeDepositAmountSQL = `INSERT INTO deposits (deposit_id, owner, verifier, amount, closed, updated_at)
    VALUES ($1, '', '', $2, FALSE, NOW())
    ON CONFLICT (deposit_id) DO UPDATE
    SET amount = EXCLUDED.amount, updated_at = NOW();`

	markDepositClosedSQL = `UPDATE deposits SET closed = TRUE, updated_at = NOW()
    WHERE deposit_id = $1;`

	upsertIntentSQL = `INSERT INTO intents (
        intent_hash,
        deposit_id,
        owner,
        counterparty,
        amount,
        currency,
        rate,
        status,
        created_at
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7,$8,NOW()
    )
    ON CONFLICT (intent_hash) DO UPDATE
    SET
        counterparty = EXCLUDED.counterparty,
        amount       = EXCLUDED.amount,
        currency     = CASE WHEN EXCLUDED.currency <> '' THEN EXCLUDED.currency ELSE intents.currency END,
        rate         = CASE WHEN EXCLUDED.rate > 0 THEN EXCLUDED.rate ELSE intents.rate END,
        status       = EXCLUDED.status;`

	getIntentSQL = `SELECT intent_hash, deposit_id, owner, counterparty, amount, currency, rate, status, created_at
    FROM intents WHERE intent_hash = $1;`

	setIntentStatusSQL = `UPDATE intents SET status = $2
    WHERE intent_hash = $1 AND status = 'signaled';`

	listRecentIntentsSQL = `SELECT intent_hash, deposit_id, owner, counterparty, amount, currency, rate, status, created_at
    FROM intents ORDER BY created_at DESC LIMIT $1;`

	interestedSubscribersSQL = `SELECT subscriber_id FROM watchers WHERE deposit_id = $1;`

	subscriptionsForCurrencySQL = `SELECT id, subscriber_id, currency, platform, threshold_pct, created_at
    FROM subscriptions
    WHERE active AND currency = $1 AND (platform IS NULL OR platform = $2)
    ORDER BY created_at DESC;`

	getThresholdSQL = `SELECT threshold_pct FROM thresholds WHERE subscriber_id = $1;`

	insertAlertSQL = `INSERT INTO alerts (
        subscriber_id,
        deposit_id,
        kind,
        edge_pct,
        threshold_pct,
        message
    ) VALUES (
        $1,$2,$3,$4,$5,$6
    )
    RETURNING id, subscriber_id, deposit_id, kind, edge_pct, threshold_pct, message, created_at;`

	listRecentAlertsSQL = `SELECT id, subscriber_id, deposit_id, kind, edge_pct, threshold_pct, message, created_at
    FROM alerts ORDER BY created_at DESC LIMIT $1;`

	listAlertsBetweenSQL = `SELECT id, subscriber_id, deposit_id, kind, edge_pct, threshold_pct, message, created_at
    FROM alerts
    WHERE created_at >= $1 AND created_at < $2
    ORDER BY created_at;`

	deleteAlertsBeforeSQL = `DELETE FROM alerts WHERE created_at < $1;`

	updateStatusSQL = `INSERT INTO deposit_statuses (subscriber_id, deposit_id, status, updated_at)
    VALUES ($1, $2, $3, NOW())
    ON CONFLICT (subscriber_id, deposit_id) DO UPDATE
    SET status = EXCLUDED.status, updated_at = NOW();`
)

// DepositLedger persists durable deposit facts.
type DepositLedger interface {
	GetDepositAmount(ctx context.Context, depositID uint64) (uint64, error)
	StoreDepositAmount(ctx context.Context, depositID uint64, amount uint64) error
	UpsertDeposit(ctx context.Context, record DepositRecord) error
	GetDeposit(ctx context.Context, depositID uint64) (DepositRecord, error)
	MarkDepositClosed(ctx context.Context, depositID uint64) error
}

// IntentLedger persists order records.
type IntentLedger interface {
	StoreIntentRecord(ctx context.Context, record IntentRecord) error
	GetIntentRecord(ctx context.Context, intentHash string) (IntentRecord, error)
	SetIntentStatus(ctx context.Context, intentHash, status string) error
	ListRecentIntents(ctx context.Context, limit int) ([]IntentRecord, error)
}

// SubscriptionLedger resolves notification recipients.
type SubscriptionLedger interface {
	GetInterestedSubscribers(ctx context.Context, depositID uint64) ([]string, error)
	GetSubscriptionsForCurrency(ctx context.Context, currency, platform string) ([]Subscription, error)
	GetThreshold(ctx context.Context, subscriberID string) (decimal.Decimal, error)
}

// AlertLedger records emitted notifications and status transitions.
type AlertLedger interface {
	LogAlert(ctx context.Context, alert AlertRecord) (AlertRecord, error)
	ListRecentAlerts(ctx context.Context, limit int) ([]AlertRecord, error)
	ListAlertsBetween(ctx context.Context, from, to time.Time) ([]AlertRecord, error)
	DeleteAlertsBefore(ctx context.Context, olderThan time.Time) error
	UpdateStatus(ctx context.Context, subscriberID string, depositID uint64, status string) error
}

// Store aggregates ledger access over one pgx pool.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore wires a pgx pool into a Store.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

func (s *Store) getPool() (*pgxpool.Pool, error) {
	if s == nil || s.pool == nil {
		return nil, ErrNotConfigured
	}
	return s.pool, nil
}

// GetDepositAmount fetches the stored amount for one deposit. ErrNotFound is
// returned for unknown deposits so callers can continue the lookup chain.
func (s *Store) GetDepositAmount(ctx context.Context, depositID uint64) (uint64, error) {
	pool, err := s.getPool()
	if err != nil {
		return 0, err
	}

	var amount int64
	if scanErr := pool.QueryRow(ctx, getDepositAmountSQL, int64(depositID)).Scan(&amount); scanErr != nil {
		if errors.Is(scanErr, pgx.ErrNoRows) {
			return 0, ErrNotFound
		}
		return 0, fmt.Errorf("get deposit amount: %w", scanErr)
	}
	return uint64(amount), nil
}

// StoreDepositAmount records an amount without touching other fields.
func (s *Store) StoreDepositAmount(ctx context.Context, depositID uint64, amount uint64) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if _, execErr := pool.Exec(ctx, storeDepositAmountSQL, int64(depositID), int64(amount)); execErr != nil {
		return fmt.Errorf("store deposit amount: %w", execErr)
	}
	return nil
}

// UpsertDeposit merges a deposit record. Empty or zero incoming fields keep
// the stored value, giving last-write-wins per field rather than per record.
func (s *Store) UpsertDeposit(ctx context.Context, record DepositRecord) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if _, execErr := pool.Exec(ctx, upsertDepositSQL,
		int64(record.DepositID),
		record.Owner,
		record.Verifier,
		int64(record.Amount),
		record.Closed,
	); execErr != nil {
		return fmt.Errorf("upsert deposit: %w", execErr)
	}
	return nil
}

// GetDeposit loads one full deposit record.
func (s *Store) GetDeposit(ctx context.Context, depositID uint64) (DepositRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return DepositRecord{}, err
	}

	var rec DepositRecord
	var id, amount int64
	if scanErr := pool.QueryRow(ctx, getDepositSQL, int64(depositID)).Scan(
		&id, &rec.Owner, &rec.Verifier, &amount, &rec.Closed, &rec.UpdatedAt,
	); scanErr != nil {
		if errors.Is(scanErr, pgx.ErrNoRows) {
			return DepositRecord{}, ErrNotFound
		}
		return DepositRecord{}, fmt.Errorf("get deposit: %w", scanErr)
	}
	rec.DepositID = uint64(id)
	rec.Amount = uint64(amount)
	return rec, nil
}

// MarkDepositClosed sets the closed flag.
func (s *Store) MarkDepositClosed(ctx context.Context, depositID uint64) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if _, execErr := pool.Exec(ctx, markDepositClosedSQL, int64(depositID)); execErr != nil {
		return fmt.Errorf("mark deposit closed: %w", execErr)
	}
	return nil
}

// StoreIntentRecord persists or enriches an intent record.
func (s *Store) StoreIntentRecord(ctx context.Context, record IntentRecord) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	status := record.Status
	if status == "" {
		status = IntentStatusSignaled
	}
	if _, execErr := pool.Exec(ctx, upsertIntentSQL,
		record.IntentHash,
		int64(record.DepositID),
		record.Owner,
		record.Counterparty,
		int64(record.Amount),
		record.Currency,
		int64(record.Rate),
		status,
	); execErr != nil {
		return fmt.Errorf("store intent record: %w", execErr)
	}
	return nil
}

// GetIntentRecord loads one intent by hash.
func (s *Store) GetIntentRecord(ctx context.Context, intentHash string) (IntentRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return IntentRecord{}, err
	}
	rec, scanErr := scanIntent(pool.QueryRow(ctx, getIntentSQL, intentHash))
	if scanErr != nil {
		if errors.Is(scanErr, pgx.ErrNoRows) {
			return IntentRecord{}, ErrNotFound
		}
		return IntentRecord{}, fmt.Errorf("get intent record: %w", scanErr)
	}
	return rec, nil
}

// SetIntentStatus moves an intent into a terminal status. The transition only
// applies from 'signaled', making the terminal write a set-once operation.
func (s *Store) SetIntentStatus(ctx context.Context, intentHash, status string) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if _, execErr := pool.Exec(ctx, setIntentStatusSQL, intentHash, status); execErr != nil {
		return fmt.Errorf("set intent status: %w", execErr)
	}
	return nil
}

// ListRecentIntents lists the most recent intents.
func (s *Store) ListRecentIntents(ctx context.Context, limit int) ([]IntentRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listRecentIntentsSQL, limit)
	if queryErr != nil {
		return nil, fmt.Errorf("list recent intents: %w", queryErr)
	}
	defer rows.Close()

	intents := make([]IntentRecord, 0, limit)
	for rows.Next() {
		rec, scanErr := scanIntent(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		intents = append(intents, rec)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return intents, nil
}

// GetInterestedSubscribers lists subscribers watching one deposit.
func (s *Store) GetInterestedSubscribers(ctx context.Context, depositID uint64) ([]string, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, interestedSubscribersSQL, int64(depositID))
	if queryErr != nil {
		return nil, fmt.Errorf("get interested subscribers: %w", queryErr)
	}
	defer rows.Close()

	var subscribers []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		subscribers = append(subscribers, id)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return subscribers, nil
}

// GetSubscriptionsForCurrency lists active subscriptions matching a currency
// and either the exact platform or "any platform", newest first.
func (s *Store) GetSubscriptionsForCurrency(ctx context.Context, currency, platform string) ([]Subscription, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, subscriptionsForCurrencySQL, currency, platform)
	if queryErr != nil {
		return nil, fmt.Errorf("get subscriptions for currency: %w", queryErr)
	}
	defer rows.Close()

	var subs []Subscription
	for rows.Next() {
		var sub Subscription
		var platform sql.NullString
		var threshold sql.NullString
		if err := rows.Scan(&sub.ID, &sub.SubscriberID, &sub.Currency, &platform, &threshold, &sub.CreatedAt); err != nil {
			return nil, err
		}
		if platform.Valid {
			value := platform.String
			sub.Platform = &value
		}
		if threshold.Valid {
			parsed, convErr := decimal.NewFromString(threshold.String)
			if convErr != nil {
				return nil, fmt.Errorf("parse subscription threshold: %w", convErr)
			}
			sub.ThresholdPct = &parsed
		}
		subs = append(subs, sub)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return subs, nil
}

// GetThreshold fetches a subscriber's configured alert threshold.
// ErrNotFound means the subscriber never set one.
func (s *Store) GetThreshold(ctx context.Context, subscriberID string) (decimal.Decimal, error) {
	pool, err := s.getPool()
	if err != nil {
		return decimal.Decimal{}, err
	}

	var thresholdStr string
	if scanErr := pool.QueryRow(ctx, getThresholdSQL, subscriberID).Scan(&thresholdStr); scanErr != nil {
		if errors.Is(scanErr, pgx.ErrNoRows) {
			return decimal.Decimal{}, ErrNotFound
		}
		return decimal.Decimal{}, fmt.Errorf("get threshold: %w", scanErr)
	}

	threshold, convErr := decimal.NewFromString(thresholdStr)
	if convErr != nil {
		return decimal.Decimal{}, fmt.Errorf("parse threshold: %w", convErr)
	}
	return threshold, nil
}

// LogAlert persists an alert emission.
func (s *Store) LogAlert(ctx context.Context, alert AlertRecord) (AlertRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return AlertRecord{}, err
	}

	row := pool.QueryRow(ctx, insertAlertSQL,
		alert.SubscriberID,
		int64(alert.DepositID),
		alert.Kind,
		alert.EdgePct.String(),
		alert.ThresholdPct.String(),
		alert.Message,
	)

	rec, scanErr := scanAlert(row)
	if scanErr != nil {
		return AlertRecord{}, fmt.Errorf("log alert: %w", scanErr)
	}
	return rec, nil
}

// ListRecentAlerts lists most recent alerts.
func (s *Store) ListRecentAlerts(ctx context.Context, limit int) ([]AlertRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listRecentAlertsSQL, limit)
	if queryErr != nil {
		return nil, fmt.Errorf("list recent alerts: %w", queryErr)
	}
	defer rows.Close()

	return collectAlerts(rows, limit)
}

// ListAlertsBetween lists alerts within a time window.
func (s *Store) ListAlertsBetween(ctx context.Context, from, to time.Time) ([]AlertRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listAlertsBetweenSQL, from, to)
	if queryErr != nil {
		return nil, fmt.Errorf("list alerts between: %w", queryErr)
	}
	defer rows.Close()

	return collectAlerts(rows, 0)
}

// DeleteAlertsBefore deletes historical alerts.
func (s *Store) DeleteAlertsBefore(ctx context.Context, olderThan time.Time) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if _, execErr := pool.Exec(ctx, deleteAlertsBeforeSQL, olderThan); execErr != nil {
		return fmt.Errorf("delete alerts before: %w", execErr)
	}
	return nil
}

// UpdateStatus records a per-subscriber view of a deposit's tracked status.
func (s *Store) UpdateStatus(ctx context.Context, subscriberID string, depositID uint64, status string) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if _, execErr := pool.Exec(ctx, updateStatusSQL, subscriberID, int64(depositID), status); execErr != nil {
		return fmt.Errorf("update status: %w", execErr)
	}
	return nil
}

func collectAlerts(rows pgx.Rows, sizeHint int) ([]AlertRecord, error) {
	alerts := make([]AlertRecord, 0, sizeHint)
	for rows.Next() {
		rec, scanErr := scanAlert(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		alerts = append(alerts, rec)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return alerts, nil
}

func scanIntent(row pgx.Row) (IntentRecord, error) {
	var rec IntentRecord
	var depositID, amount, rate int64
	if err := row.Scan(
		&rec.IntentHash,
		&depositID,
		&rec.Owner,
		&rec.Counterparty,
		&amount,
		&rec.Currency,
		&rate,
		&rec.Status,
		&rec.CreatedAt,
	); err != nil {
		return IntentRecord{}, err
	}
	rec.DepositID = uint64(depositID)
	rec.Amount = uint64(amount)
	rec.Rate = uint64(rate)
	return rec, nil
}

func scanAlert(row pgx.Row) (AlertRecord, error) {
	var rec AlertRecord
	var depositID int64
	var edgeStr, thresholdStr string
	if err := row.Scan(
		&rec.ID,
		&rec.SubscriberID,
		&depositID,
		&rec.Kind,
		&edgeStr,
		&thresholdStr,
		&rec.Message,
		&rec.CreatedAt,
	); err != nil {
		return AlertRecord{}, err
	}
	rec.DepositID = uint64(depositID)

	var convErr error
	rec.EdgePct, convErr = decimal.NewFromString(edgeStr)
	if convErr != nil {
		return AlertRecord{}, fmt.Errorf("parse edge pct: %w", convErr)
	}
	rec.ThresholdPct, convErr = decimal.NewFromString(thresholdStr)
	if convErr != nil {
		return AlertRecord{}, fmt.Errorf("parse threshold pct: %w", convErr)
	}
	return rec, nil
}
