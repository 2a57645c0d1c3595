package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/artpar/quotagate/domain/quota"
	"github.com/artpar/quotagate/ports"
)

// RecordStore implements ports.RecordStore using SQLite.
type RecordStore struct {
	db *DB
}

// NewRecordStore creates a new SQLite record store.
func NewRecordStore(db *DB) *RecordStore {
	return &RecordStore{db: db}
}

// Load returns every stored record.
func (s *RecordStore) Load(ctx context.Context) (map[string]quota.UsageRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT user_key, first_seen, last_seen, total_actions,
			daily_actions, hourly_actions, action_counts, blocked_until
		FROM usage_records
	`)
	if err != nil {
		return nil, fmt.Errorf("query usage records: %w", err)
	}
	defer rows.Close()

	out := make(map[string]quota.UsageRecord)
	for rows.Next() {
		key, rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out[key] = rec
	}
	return out, rows.Err()
}

// Get returns the record for one user key.
func (s *RecordStore) Get(ctx context.Context, userKey string) (quota.UsageRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT user_key, first_seen, last_seen, total_actions,
			daily_actions, hourly_actions, action_counts, blocked_until
		FROM usage_records WHERE user_key = ?
	`, userKey)

	_, rec, err := scanRecord(row)
	if err == sql.ErrNoRows {
		return quota.UsageRecord{}, ports.ErrNotFound
	}
	return rec, err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row scanner) (string, quota.UsageRecord, error) {
	var (
		key                   string
		rec                   quota.UsageRecord
		daily, hourly, action string
		blocked               sql.NullTime
	)
	err := row.Scan(&key, &rec.FirstSeen, &rec.LastSeen, &rec.TotalActions,
		&daily, &hourly, &action, &blocked)
	if err != nil {
		if err == sql.ErrNoRows {
			return "", rec, err
		}
		return "", rec, fmt.Errorf("scan usage record: %w", err)
	}

	if err := json.Unmarshal([]byte(daily), &rec.DailyActions); err != nil {
		return "", rec, fmt.Errorf("decode daily actions for %s: %w", key, err)
	}
	if err := json.Unmarshal([]byte(hourly), &rec.HourlyActions); err != nil {
		return "", rec, fmt.Errorf("decode hourly actions for %s: %w", key, err)
	}
	if err := json.Unmarshal([]byte(action), &rec.ActionCounts); err != nil {
		return "", rec, fmt.Errorf("decode action counts for %s: %w", key, err)
	}
	if blocked.Valid {
		t := blocked.Time
		rec.BlockedUntil = &t
	}
	rec.Normalize()
	return key, rec, nil
}

// Save upserts records in one transaction.
func (s *RecordStore) Save(ctx context.Context, records map[string]quota.UsageRecord) error {
	if len(records) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO usage_records (
			user_key, first_seen, last_seen, total_actions,
			daily_actions, hourly_actions, action_counts, blocked_until, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_key) DO UPDATE SET
			first_seen = excluded.first_seen,
			last_seen = excluded.last_seen,
			total_actions = excluded.total_actions,
			daily_actions = excluded.daily_actions,
			hourly_actions = excluded.hourly_actions,
			action_counts = excluded.action_counts,
			blocked_until = excluded.blocked_until,
			updated_at = excluded.updated_at
	`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	now := time.Now().UTC()
	for key, rec := range records {
		daily, err := encodeCounts(rec.DailyActions)
		if err != nil {
			return err
		}
		hourly, err := encodeCounts(rec.HourlyActions)
		if err != nil {
			return err
		}
		action, err := encodeCounts(rec.ActionCounts)
		if err != nil {
			return err
		}
		var blocked sql.NullTime
		if rec.BlockedUntil != nil {
			blocked = sql.NullTime{Time: rec.BlockedUntil.UTC(), Valid: true}
		}

		// Store timestamps in UTC for consistent reads
		_, err = stmt.ExecContext(ctx,
			key, rec.FirstSeen.UTC(), rec.LastSeen.UTC(), rec.TotalActions,
			daily, hourly, action, blocked, now,
		)
		if err != nil {
			return fmt.Errorf("upsert usage record %s: %w", key, err)
		}
	}

	return tx.Commit()
}

func encodeCounts(m map[string]int64) (string, error) {
	if m == nil {
		return "{}", nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("encode counts: %w", err)
	}
	return string(b), nil
}

// Ping checks the database connection.
func (s *RecordStore) Ping(ctx context.Context) error {
	return s.db.Ping(ctx)
}

// Close closes the underlying database.
func (s *RecordStore) Close() error {
	return s.db.Close()
}

// Ensure interface compliance.
var _ ports.RecordStore = (*RecordStore)(nil)
