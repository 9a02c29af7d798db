package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/tutorwiseapp/cas/pkg/schema"
)

const breakerColumns = `role, state, failure_count, success_count, total_requests, half_open_in_flight, trip_count,
	window_start, last_failure_at, last_success_at, next_attempt_at, state_changed_at, updated_at, version,
	recent_failures`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanBreaker(row rowScanner) (*BreakerRecord, error) {
	r := &BreakerRecord{}
	var role string
	var windowStart, lastFailure, lastSuccess, nextAttempt sql.NullTime
	var recent sql.NullString
	if err := row.Scan(&role, &r.State, &r.FailureCount, &r.SuccessCount, &r.TotalRequests,
		&r.HalfOpenInFlight, &r.TripCount, &windowStart, &lastFailure, &lastSuccess, &nextAttempt,
		&r.StateChangedAt, &r.UpdatedAt, &r.Version, &recent); err != nil {
		return nil, err
	}
	if recent.Valid && recent.String != "" {
		if err := json.Unmarshal([]byte(recent.String), &r.RecentFailures); err != nil {
			return nil, err
		}
	}
	r.Role = schema.Role(role)
	r.WindowStart = timePtr(windowStart)
	r.LastFailureAt = timePtr(lastFailure)
	r.LastSuccessAt = timePtr(lastSuccess)
	r.NextAttemptAt = timePtr(nextAttempt)
	return r, nil
}

func (s *LibSQLStore) GetBreaker(ctx context.Context, role schema.Role) (*BreakerRecord, error) {
	r, err := scanBreaker(s.db.QueryRowContext(ctx,
		`SELECT `+breakerColumns+` FROM circuit_breaker_state WHERE role = ?`, string(role)))
	if err == sql.ErrNoRows {
		return nil, storeNotFound("circuit breaker", string(role))
	}
	if err != nil {
		return nil, storeErr(err, "get circuit breaker")
	}
	return r, nil
}

func (s *LibSQLStore) ListBreakers(ctx context.Context) ([]*BreakerRecord, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+breakerColumns+` FROM circuit_breaker_state ORDER BY role`)
	if err != nil {
		return nil, storeErr(err, "list circuit breakers")
	}
	defer rows.Close()

	var records []*BreakerRecord
	for rows.Next() {
		r, err := scanBreaker(rows)
		if err != nil {
			return nil, storeErr(err, "scan circuit breaker")
		}
		records = append(records, r)
	}
	return records, storeErr(rows.Err(), "list circuit breakers")
}

// SwapBreaker replaces the record for next.Role only if the stored version
// still equals expectedVersion (0 means no record exists yet). On success
// next.Version is expectedVersion+1 and the transition, if any, is appended
// to history in the same transaction. A lost race returns CONFLICT.
func (s *LibSQLStore) SwapBreaker(ctx context.Context, expectedVersion int64, next *BreakerRecord, transition *BreakerTransition) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storeErr(err, "begin breaker tx")
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	newVersion := expectedVersion + 1
	stateChangedAt := timeOrNow(next.StateChangedAt)
	recent, err := encodeFailures(next.RecentFailures)
	if err != nil {
		return storeErr(err, "encode breaker failures")
	}

	var res sql.Result
	if expectedVersion == 0 {
		res, err = tx.ExecContext(ctx,
			`INSERT INTO circuit_breaker_state (`+breakerColumns+`)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			 ON CONFLICT(role) DO NOTHING`,
			string(next.Role), next.State, next.FailureCount, next.SuccessCount, next.TotalRequests,
			next.HalfOpenInFlight, next.TripCount, nullTime(next.WindowStart), nullTime(next.LastFailureAt),
			nullTime(next.LastSuccessAt), nullTime(next.NextAttemptAt), stateChangedAt, now, newVersion, recent,
		)
	} else {
		res, err = tx.ExecContext(ctx,
			`UPDATE circuit_breaker_state SET state = ?, failure_count = ?, success_count = ?, total_requests = ?,
			 half_open_in_flight = ?, trip_count = ?, window_start = ?, last_failure_at = ?, last_success_at = ?,
			 next_attempt_at = ?, state_changed_at = ?, updated_at = ?, version = ?, recent_failures = ?
			 WHERE role = ? AND version = ?`,
			next.State, next.FailureCount, next.SuccessCount, next.TotalRequests,
			next.HalfOpenInFlight, next.TripCount, nullTime(next.WindowStart), nullTime(next.LastFailureAt),
			nullTime(next.LastSuccessAt), nullTime(next.NextAttemptAt), stateChangedAt, now, newVersion, recent,
			string(next.Role), expectedVersion,
		)
	}
	if err != nil {
		return storeErr(err, "swap circuit breaker")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return storeErr(err, "swap circuit breaker")
	}
	if n == 0 {
		return schema.NewErrorf(schema.ErrCodeConflict,
			"circuit breaker %s changed concurrently (expected version %d)", next.Role, expectedVersion)
	}

	if transition != nil {
		transition.Role = next.Role
		transition.CreatedAt = timeOrNow(transition.CreatedAt)
		res, err := tx.ExecContext(ctx,
			`INSERT INTO circuit_breaker_history (role, from_state, to_state, reason, failure_count, success_count, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			string(transition.Role), transition.FromState, transition.ToState, transition.Reason,
			transition.FailureCount, transition.SuccessCount, transition.CreatedAt,
		)
		if err != nil {
			return storeErr(err, "append breaker history")
		}
		if id, err := res.LastInsertId(); err == nil {
			transition.ID = id
		}
	}

	if err := tx.Commit(); err != nil {
		return storeErr(err, "commit breaker swap")
	}
	next.Version = newVersion
	next.StateChangedAt = stateChangedAt
	next.UpdatedAt = now
	return nil
}

// ListBreakerHistory returns the most recent transitions for role, newest first.
func (s *LibSQLStore) ListBreakerHistory(ctx context.Context, role schema.Role, limit int) ([]*BreakerTransition, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, role, from_state, to_state, reason, failure_count, success_count, created_at
		 FROM circuit_breaker_history WHERE role = ? ORDER BY id DESC`+limitClause(limit), string(role),
	)
	if err != nil {
		return nil, storeErr(err, "list breaker history")
	}
	defer rows.Close()

	var history []*BreakerTransition
	for rows.Next() {
		t := &BreakerTransition{}
		var r string
		if err := rows.Scan(&t.ID, &r, &t.FromState, &t.ToState, &t.Reason, &t.FailureCount, &t.SuccessCount, &t.CreatedAt); err != nil {
			return nil, storeErr(err, "scan breaker history")
		}
		t.Role = schema.Role(r)
		history = append(history, t)
	}
	return history, storeErr(rows.Err(), "list breaker history")
}

func (s *LibSQLStore) PruneBreakerHistory(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM circuit_breaker_history WHERE created_at < ?`, before.UTC())
	if err != nil {
		return 0, storeErr(err, "prune breaker history")
	}
	n, err := res.RowsAffected()
	return n, storeErr(err, "prune breaker history")
}

// encodeFailures stores failure times as a JSON array, or NULL when empty.
func encodeFailures(failures []time.Time) (any, error) {
	if len(failures) == 0 {
		return nil, nil
	}
	utc := make([]time.Time, len(failures))
	for i, at := range failures {
		utc[i] = at.UTC()
	}
	b, err := json.Marshal(utc)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}
