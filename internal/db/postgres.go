package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/amirphl/signal-settler/internal/db/conf"
	"github.com/lib/pq"
)

// Transaction context key
type txKey struct{}

// WithTransaction adds a transaction to the context
func WithTransaction(ctx context.Context, tx *sql.Tx) context.Context {
	return context.WithValue(ctx, txKey{}, tx)
}

// GetTransaction retrieves a transaction from context, or returns nil if not present
func GetTransaction(ctx context.Context) *sql.Tx {
	if tx, ok := ctx.Value(txKey{}).(*sql.Tx); ok {
		return tx
	}
	return nil
}

// executeWithTransaction executes a function with proper transaction management
// If a transaction exists in context, it uses that. Otherwise, it creates a new one.
func (p *Default) executeWithTransaction(ctx context.Context, fn func(*sql.Tx) error) error {
	if tx := GetTransaction(ctx); tx != nil {
		return fn(tx)
	}

	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	if fnErr := fn(tx); fnErr != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("transaction rollback failed: %w (original error: %v)", rbErr, fnErr)
		}
		return fnErr
	}

	if commitErr := tx.Commit(); commitErr != nil {
		return fmt.Errorf("transaction commit failed: %w", commitErr)
	}

	return nil
}

// queryWithTransaction executes a query using transaction from context if available
func (p *Default) queryWithTransaction(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	if tx := GetTransaction(ctx); tx != nil {
		return tx.QueryContext(ctx, query, args...)
	}
	return p.db.QueryContext(ctx, query, args...)
}

func (p *Default) queryRowWithTransaction(ctx context.Context, query string, args ...any) *sql.Row {
	if tx := GetTransaction(ctx); tx != nil {
		return tx.QueryRowContext(ctx, query, args...)
	}
	return p.db.QueryRowContext(ctx, query, args...)
}

type Default struct {
	db *sql.DB
}

func New(c conf.Config) (*Default, error) {
	if c.DB == nil {
		return nil, errors.New("db: nil connection")
	}
	return &Default{db: c.DB}, nil
}

func (p *Default) GetDB() *sql.DB {
	return p.db
}

func (p *Default) CreateUser(ctx context.Context, username string) (int64, error) {
	var id int64
	err := p.executeWithTransaction(ctx, func(tx *sql.Tx) error {
		return tx.QueryRowContext(ctx,
			`INSERT INTO users (username) VALUES ($1) RETURNING id`, username).Scan(&id)
	})
	if err != nil {
		return 0, fmt.Errorf("failed to create user %s: %w", username, err)
	}
	return id, nil
}

func (p *Default) GetUserScore(ctx context.Context, userID int64) (float64, error) {
	var score float64
	err := p.queryRowWithTransaction(ctx, `SELECT score FROM users WHERE id=$1`, userID).Scan(&score)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("%w: %d", ErrUserNotFound, userID)
	}
	if err != nil {
		return 0, fmt.Errorf("failed to get score of user %d: %w", userID, err)
	}
	return score, nil
}

// SaveSignal inserts a signal with its targets and returns the generated ID
func (p *Default) SaveSignal(ctx context.Context, s Signal) (int64, error) {
	if s.Status == "" {
		s.Status = SignalStatusOpen
	}
	if s.Exchanges == nil {
		s.Exchanges = []string{}
	}

	var id int64
	err := p.executeWithTransaction(ctx, func(tx *sql.Tx) error {
		err := tx.QueryRowContext(ctx, `
			INSERT INTO signals (user_id, market, timeframe, exchanges, entry_point, stop_loss, open_time, close_time, status)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
			RETURNING id`,
			s.UserID, s.Market, s.Timeframe, pq.Array(s.Exchanges), s.EntryPoint, s.StopLoss,
			s.OpenTime.UTC(), s.CloseTime.UTC(), s.Status).Scan(&id)
		if err != nil {
			return fmt.Errorf("failed to insert signal for %s: %w", s.Market, err)
		}

		stmt, err := tx.PrepareContext(ctx, `INSERT INTO signal_targets (signal_id, idx, value) VALUES ($1, $2, $3)`)
		if err != nil {
			return fmt.Errorf("failed to prepare target insert: %w", err)
		}
		defer stmt.Close()

		for i, t := range s.Targets {
			if _, err := stmt.ExecContext(ctx, id, i, t.Value); err != nil {
				return fmt.Errorf("failed to insert target %d of signal %d: %w", i, id, err)
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return id, nil
}

const signalColumns = `id, user_id, market, timeframe, exchanges, entry_point, stop_loss,
	open_time, close_time, status, COALESCE(score, 0), exited_by_stop, exit_time, settled_at,
	attempts, next_attempt_at, COALESCE(last_error, '')`

func scanSignal(scanner interface{ Scan(...any) error }) (Signal, error) {
	var s Signal
	var exitTime, settledAt, nextAttemptAt sql.NullTime
	err := scanner.Scan(&s.ID, &s.UserID, &s.Market, &s.Timeframe, pq.Array(&s.Exchanges),
		&s.EntryPoint, &s.StopLoss, &s.OpenTime, &s.CloseTime, &s.Status, &s.Score,
		&s.ExitedByStop, &exitTime, &settledAt,
		&s.Attempts, &nextAttemptAt, &s.LastError)
	if err != nil {
		return s, err
	}
	s.OpenTime = s.OpenTime.UTC()
	s.CloseTime = s.CloseTime.UTC()
	s.ExitTime = fromNullTime(exitTime)
	s.SettledAt = fromNullTime(settledAt)
	s.NextAttemptAt = fromNullTime(nextAttemptAt)
	return s, nil
}

func (p *Default) GetSignal(ctx context.Context, id int64) (*Signal, error) {
	row := p.queryRowWithTransaction(ctx, `SELECT `+signalColumns+` FROM signals WHERE id=$1`, id)
	s, err := scanSignal(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %d", ErrSignalNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get signal %d: %w", id, err)
	}

	signals := []Signal{s}
	if err := p.loadTargets(ctx, signals); err != nil {
		return nil, err
	}
	return &signals[0], nil
}

func (p *Default) GetDueSignals(ctx context.Context, now time.Time, limit int) ([]Signal, error) {
	rows, err := p.queryWithTransaction(ctx, `
		SELECT `+signalColumns+`
		FROM signals
		WHERE status=$1 AND close_time <= $2
			AND (next_attempt_at IS NULL OR next_attempt_at <= $2)
		ORDER BY close_time ASC, id ASC
		LIMIT $3`,
		SignalStatusOpen, now.UTC(), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query due signals: %w", err)
	}

	var signals []Signal
	for rows.Next() {
		s, err := scanSignal(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan signal: %w", err)
		}
		signals = append(signals, s)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("failed to iterate signals: %w", err)
	}
	rows.Close()

	if err := p.loadTargets(ctx, signals); err != nil {
		return nil, err
	}
	return signals, nil
}

// loadTargets fills the Targets of each signal in one query.
func (p *Default) loadTargets(ctx context.Context, signals []Signal) error {
	if len(signals) == 0 {
		return nil
	}

	ids := make([]int64, len(signals))
	byID := make(map[int64]*Signal, len(signals))
	for i := range signals {
		ids[i] = signals[i].ID
		byID[signals[i].ID] = &signals[i]
	}

	rows, err := p.queryWithTransaction(ctx, `
		SELECT signal_id, idx, value, touched, touched_at
		FROM signal_targets
		WHERE signal_id = ANY($1)
		ORDER BY signal_id, idx`, pq.Array(ids))
	if err != nil {
		return fmt.Errorf("failed to query signal targets: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var t SignalTarget
		var touchedAt sql.NullTime
		if err := rows.Scan(&t.SignalID, &t.Index, &t.Value, &t.Touched, &touchedAt); err != nil {
			return fmt.Errorf("failed to scan signal target: %w", err)
		}
		t.TouchedAt = fromNullTime(touchedAt)
		if s, ok := byID[t.SignalID]; ok {
			s.Targets = append(s.Targets, t)
		}
	}
	return rows.Err()
}

func (p *Default) SaveSettlement(ctx context.Context, st Settlement) error {
	return p.executeWithTransaction(ctx, func(tx *sql.Tx) error {
		var userID int64
		var status string
		err := tx.QueryRowContext(ctx,
			`SELECT user_id, status FROM signals WHERE id=$1 FOR UPDATE`, st.SignalID).Scan(&userID, &status)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: %d", ErrSignalNotFound, st.SignalID)
		}
		if err != nil {
			return fmt.Errorf("failed to lock signal %d: %w", st.SignalID, err)
		}
		if status != SignalStatusOpen {
			return fmt.Errorf("%w: %d", ErrAlreadySettled, st.SignalID)
		}

		_, err = tx.ExecContext(ctx, `
			UPDATE signals
			SET status=$1, score=$2, exited_by_stop=$3, exit_time=$4, settled_at=$5
			WHERE id=$6`,
			SignalStatusClosed, st.Reward, st.ExitedByStop, toNullTime(st.ExitTime), st.SettledAt.UTC(), st.SignalID)
		if err != nil {
			return fmt.Errorf("failed to close signal %d: %w", st.SignalID, err)
		}

		for _, t := range st.Targets {
			_, err := tx.ExecContext(ctx, `
				UPDATE signal_targets SET touched=$1, touched_at=$2
				WHERE signal_id=$3 AND idx=$4`,
				t.Touched, toNullTime(t.TouchedAt), st.SignalID, t.Index)
			if err != nil {
				return fmt.Errorf("failed to update target %d of signal %d: %w", t.Index, st.SignalID, err)
			}
		}

		res, err := tx.ExecContext(ctx, `UPDATE users SET score = score + $1 WHERE id=$2`, st.Reward, userID)
		if err != nil {
			return fmt.Errorf("failed to update score of user %d: %w", userID, err)
		}
		if n, err := res.RowsAffected(); err == nil && n == 0 {
			return fmt.Errorf("%w: %d", ErrUserNotFound, userID)
		}
		return nil
	})
}

func (p *Default) DeferSignal(ctx context.Context, id int64, nextAttempt time.Time, reason string) error {
	return p.updateOpenSignal(ctx, id, `
		UPDATE signals SET attempts = attempts + 1, next_attempt_at=$1, last_error=$2
		WHERE id=$3 AND status=$4`,
		toNullTime(nextAttempt), reason, id, SignalStatusOpen)
}

func (p *Default) MarkInvalid(ctx context.Context, id int64, reason string) error {
	return p.updateOpenSignal(ctx, id, `
		UPDATE signals SET status=$1, next_attempt_at=NULL, last_error=$2
		WHERE id=$3 AND status=$4`,
		SignalStatusInvalid, reason, id, SignalStatusOpen)
}

// updateOpenSignal runs an update guarded by status='open' and tells a missing
// signal apart from one that is no longer open.
func (p *Default) updateOpenSignal(ctx context.Context, id int64, query string, args ...any) error {
	return p.executeWithTransaction(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, query, args...)
		if err != nil {
			return fmt.Errorf("failed to update signal %d: %w", id, err)
		}
		if n, err := res.RowsAffected(); err != nil || n > 0 {
			return err
		}

		var status string
		err = tx.QueryRowContext(ctx, `SELECT status FROM signals WHERE id=$1`, id).Scan(&status)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: %d", ErrSignalNotFound, id)
		}
		if err != nil {
			return fmt.Errorf("failed to read signal %d: %w", id, err)
		}
		return fmt.Errorf("%w: %d", ErrAlreadySettled, id)
	})
}

func (p *Default) LogEvent(ctx context.Context, event Event) error {
	return p.executeWithTransaction(ctx, func(tx *sql.Tx) error {
		data, err := json.Marshal(event.Data)
		if err != nil {
			return fmt.Errorf("failed to encode event data: %w", err)
		}
		_, err = tx.ExecContext(ctx, `INSERT INTO events (time, type, description, data) VALUES ($1,$2,$3,$4)`,
			event.Time.UTC(), event.Type, event.Description, data)
		if err != nil {
			return fmt.Errorf("failed to log event: %w", err)
		}
		return nil
	})
}

func (p *Default) GetEvents(ctx context.Context, eventType string, start, end time.Time) ([]Event, error) {
	rows, err := p.queryWithTransaction(ctx, `
		SELECT time, type, description, data FROM events
		WHERE type=$1 AND time >= $2 AND time < $3
		ORDER BY time ASC, id ASC`, eventType, start.UTC(), end.UTC())
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var e Event
		var description sql.NullString
		var data []byte
		if err := rows.Scan(&e.Time, &e.Type, &description, &data); err != nil {
			return nil, err
		}
		e.Description = description.String
		if len(data) > 0 && !strings.EqualFold(string(data), "null") {
			if err := json.Unmarshal(data, &e.Data); err != nil {
				return nil, fmt.Errorf("failed to decode event data: %w", err)
			}
		}
		e.Time = e.Time.UTC()
		events = append(events, e)
	}
	return events, rows.Err()
}

func toNullTime(t time.Time) sql.NullTime {
	if t.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

func fromNullTime(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time.UTC()
	return &v
}
