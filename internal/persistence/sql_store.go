package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/jonboulle/clockwork"

	"github.com/petrijr/tokenflow/pkg/api"
)

// SQLStore implements InstanceStore, TimerStore, LockProvider and
// EventStore on a SQL database. Queries are written with '?' placeholders
// and rebound for the driver, so the same code serves SQLite and PostgreSQL;
// only the schema differs (see NewSQLiteStore and NewPostgresStore).
type SQLStore struct {
	db    *sqlx.DB
	clock clockwork.Clock
}

// Ensure SQLStore implements the interfaces.
var (
	_ InstanceStore = (*SQLStore)(nil)
	_ TimerStore    = (*SQLStore)(nil)
	_ LockProvider  = (*SQLStore)(nil)
	_ EventStore    = (*SQLStore)(nil)
)

func newSQLStore(db *sql.DB, driverName string, schema []string) (*SQLStore, error) {
	s := &SQLStore{db: sqlx.NewDb(db, driverName), clock: clockwork.NewRealClock()}
	for _, stmt := range schema {
		if _, err := s.db.Exec(stmt); err != nil {
			return nil, fmt.Errorf("init schema: %w", err)
		}
	}
	return s, nil
}

// WithClock sets the clock used for lease expiry.
func (s *SQLStore) WithClock(c clockwork.Clock) *SQLStore {
	s.clock = c
	return s
}

// DB returns the underlying handle.
func (s *SQLStore) DB() *sqlx.DB { return s.db }

type instanceRow struct {
	ID                string `db:"id"`
	DefinitionID      string `db:"definition_id"`
	DefinitionVersion int    `db:"definition_version"`
	State             string `db:"state"`
	CorrelationKey    string `db:"correlation_key"`
	ExclusiveKey      string `db:"exclusive_key"`
	Revision          int64  `db:"revision"`
	CreatedAt         int64  `db:"created_at"`
	UpdatedAt         int64  `db:"updated_at"`
	Body              []byte `db:"body"`
}

const instanceColumns = `id, definition_id, definition_version, state, correlation_key, exclusive_key, revision, created_at, updated_at, body`

func toInstanceRow(inst *api.ProcessInstance) (instanceRow, error) {
	body, err := encodeBody(inst)
	if err != nil {
		return instanceRow{}, err
	}
	return instanceRow{
		ID:                inst.ID,
		DefinitionID:      inst.DefinitionID,
		DefinitionVersion: inst.DefinitionVersion,
		State:             string(inst.State),
		CorrelationKey:    inst.CorrelationKey,
		ExclusiveKey:      inst.ExclusiveKey,
		Revision:          inst.Revision,
		CreatedAt:         inst.CreatedAt.UnixNano(),
		UpdatedAt:         inst.UpdatedAt.UnixNano(),
		Body:              body,
	}, nil
}

func (r instanceRow) instance() (*api.ProcessInstance, error) {
	inst := &api.ProcessInstance{
		ID:                r.ID,
		DefinitionID:      r.DefinitionID,
		DefinitionVersion: r.DefinitionVersion,
		State:             api.State(r.State),
		CorrelationKey:    r.CorrelationKey,
		ExclusiveKey:      r.ExclusiveKey,
		Revision:          r.Revision,
		CreatedAt:         time.Unix(0, r.CreatedAt).UTC(),
		UpdatedAt:         time.Unix(0, r.UpdatedAt).UTC(),
	}
	if err := decodeBody(r.Body, inst); err != nil {
		return nil, err
	}
	return inst, nil
}

func (s *SQLStore) CreateInstance(ctx context.Context, inst *api.ProcessInstance) error {
	row, err := toInstanceRow(inst)
	if err != nil {
		return err
	}
	row.Revision = 1

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if inst.ExclusiveKey != "" {
		res, err := tx.ExecContext(ctx, tx.Rebind(`
			INSERT INTO correlation_keys (claim_key, instance_id) VALUES (?, ?)
			ON CONFLICT (claim_key) DO NOTHING`),
			inst.ExclusiveKey, inst.ID,
		)
		if err != nil {
			return err
		}
		if n, err := res.RowsAffected(); err != nil {
			return err
		} else if n == 0 {
			return ErrKeyClaimed
		}
	}

	res, err := tx.NamedExecContext(ctx, `
		INSERT INTO instances (`+instanceColumns+`)
		VALUES (:id, :definition_id, :definition_version, :state, :correlation_key, :exclusive_key, :revision, :created_at, :updated_at, :body)
		ON CONFLICT (id) DO NOTHING`, row)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err != nil {
		return err
	} else if n == 0 {
		return ErrInstanceExists
	}

	if err := tx.Commit(); err != nil {
		return err
	}
	inst.Revision = 1
	return nil
}

func (s *SQLStore) GetInstance(ctx context.Context, id string) (*api.ProcessInstance, error) {
	var row instanceRow
	err := s.db.GetContext(ctx, &row, s.db.Rebind(`SELECT `+instanceColumns+` FROM instances WHERE id = ?`), id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrInstanceNotFound
		}
		return nil, err
	}
	return row.instance()
}

func (s *SQLStore) CompareAndSwap(ctx context.Context, inst *api.ProcessInstance) error {
	row, err := toInstanceRow(inst)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, tx.Rebind(`
		UPDATE instances
		SET state = ?, correlation_key = ?, exclusive_key = ?, revision = revision + 1, updated_at = ?, body = ?
		WHERE id = ? AND revision = ?`),
		row.State, row.CorrelationKey, row.ExclusiveKey, row.UpdatedAt, row.Body,
		row.ID, row.Revision,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		var count int
		if err := tx.GetContext(ctx, &count, tx.Rebind(`SELECT COUNT(*) FROM instances WHERE id = ?`), row.ID); err != nil {
			return err
		}
		if count == 0 {
			return ErrInstanceNotFound
		}
		return ErrRevisionMismatch
	}

	if inst.Terminal() && inst.ExclusiveKey != "" {
		if _, err := tx.ExecContext(ctx, tx.Rebind(`
			DELETE FROM correlation_keys WHERE claim_key = ? AND instance_id = ?`),
			inst.ExclusiveKey, inst.ID,
		); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return err
	}
	inst.Revision++
	return nil
}

func (s *SQLStore) ListInstances(ctx context.Context, filter InstanceFilter) ([]*api.ProcessInstance, error) {
	query := `SELECT ` + instanceColumns + ` FROM instances`
	var args []any
	var clauses []string

	if filter.DefinitionID != "" {
		clauses = append(clauses, "definition_id = ?")
		args = append(args, filter.DefinitionID)
	}
	if filter.State != "" {
		clauses = append(clauses, "state = ?")
		args = append(args, string(filter.State))
	}
	if filter.CorrelationKey != "" {
		clauses = append(clauses, "correlation_key = ?")
		args = append(args, filter.CorrelationKey)
	}
	if len(clauses) > 0 {
		query = query + " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY id"

	return s.selectInstances(ctx, query, args...)
}

func (s *SQLStore) FindByCorrelationKey(ctx context.Context, key string) ([]*api.ProcessInstance, error) {
	return s.selectInstances(ctx, `
		SELECT `+instanceColumns+` FROM instances
		WHERE correlation_key = ? AND state NOT IN (?, ?)
		ORDER BY id`,
		key, string(api.StateCompleted), string(api.StateTerminated),
	)
}

func (s *SQLStore) selectInstances(ctx context.Context, query string, args ...any) ([]*api.ProcessInstance, error) {
	var rows []instanceRow
	if err := s.db.SelectContext(ctx, &rows, s.db.Rebind(query), args...); err != nil {
		return nil, err
	}
	out := make([]*api.ProcessInstance, 0, len(rows))
	for _, r := range rows {
		inst, err := r.instance()
		if err != nil {
			return nil, err
		}
		out = append(out, inst)
	}
	return out, nil
}

type timerRow struct {
	ID               string `db:"id"`
	InstanceID       string `db:"instance_id"`
	NodeID           string `db:"node_id"`
	TokenID          string `db:"token_id"`
	Kind             string `db:"kind"`
	FireAt           int64  `db:"fire_at"`
	Priority         int    `db:"priority"`
	Retries          int    `db:"retries"`
	Calendar         string `db:"calendar"`
	OverrideBlackout int    `db:"override_blackout"`
	Shard            int    `db:"shard"`
	Payload          []byte `db:"payload"`
}

const timerColumns = `id, instance_id, node_id, token_id, kind, fire_at, priority, retries, calendar, override_blackout, shard, payload`

func toTimerRow(e api.TimerEntry) timerRow {
	r := timerRow{
		ID:         e.ID,
		InstanceID: e.InstanceID,
		NodeID:     e.NodeID,
		TokenID:    e.TokenID,
		Kind:       string(e.Kind),
		FireAt:     e.FireAt.UnixNano(),
		Priority:   e.Priority,
		Retries:    e.Retries,
		Calendar:   e.Calendar,
		Shard:      e.Shard,
		Payload:    e.Payload,
	}
	if e.OverrideBlackout {
		r.OverrideBlackout = 1
	}
	return r
}

func (r timerRow) entry() api.TimerEntry {
	return api.TimerEntry{
		ID:               r.ID,
		InstanceID:       r.InstanceID,
		NodeID:           r.NodeID,
		TokenID:          r.TokenID,
		Kind:             api.TimerKind(r.Kind),
		FireAt:           time.Unix(0, r.FireAt).UTC(),
		Priority:         r.Priority,
		Retries:          r.Retries,
		Calendar:         r.Calendar,
		OverrideBlackout: r.OverrideBlackout != 0,
		Shard:            r.Shard,
		Payload:          r.Payload,
	}
}

func (s *SQLStore) InsertTimer(ctx context.Context, e api.TimerEntry) error {
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO timers (`+timerColumns+`)
		VALUES (:id, :instance_id, :node_id, :token_id, :kind, :fire_at, :priority, :retries, :calendar, :override_blackout, :shard, :payload)`,
		toTimerRow(e),
	)
	return err
}

func (s *SQLStore) DeleteTimer(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx, s.db.Rebind(`DELETE FROM timers WHERE id = ?`), id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *SQLStore) RescheduleTimer(ctx context.Context, id string, fireAt time.Time) error {
	res, err := s.db.ExecContext(ctx, s.db.Rebind(`UPDATE timers SET fire_at = ? WHERE id = ?`), fireAt.UnixNano(), id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrTimerNotFound
	}
	return nil
}

func (s *SQLStore) DueTimers(ctx context.Context, until time.Time, shards []int, limit int) ([]api.TimerEntry, error) {
	if shards != nil && len(shards) == 0 {
		return nil, nil
	}

	query := `SELECT ` + timerColumns + ` FROM timers WHERE fire_at <= ?`
	args := []any{until.UnixNano()}
	if shards != nil {
		query += ` AND shard IN (?)`
		args = append(args, shards)
	}
	query += ` ORDER BY fire_at ASC, priority DESC, id ASC`
	if limit > 0 {
		query += fmt.Sprintf(` LIMIT %d`, limit)
	}

	query, args, err := sqlx.In(query, args...)
	if err != nil {
		return nil, err
	}
	return s.selectTimers(ctx, query, args...)
}

func (s *SQLStore) ListInstanceTimers(ctx context.Context, instanceID string) ([]api.TimerEntry, error) {
	return s.selectTimers(ctx, `
		SELECT `+timerColumns+` FROM timers
		WHERE instance_id = ?
		ORDER BY fire_at ASC, priority DESC, id ASC`, instanceID)
}

func (s *SQLStore) DeleteInstanceTimers(ctx context.Context, instanceID string) ([]string, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	var ids []string
	if err := tx.SelectContext(ctx, &ids, tx.Rebind(`SELECT id FROM timers WHERE instance_id = ? ORDER BY id`), instanceID); err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}
	if _, err := tx.ExecContext(ctx, tx.Rebind(`DELETE FROM timers WHERE instance_id = ?`), instanceID); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return ids, nil
}

func (s *SQLStore) selectTimers(ctx context.Context, query string, args ...any) ([]api.TimerEntry, error) {
	var rows []timerRow
	if err := s.db.SelectContext(ctx, &rows, s.db.Rebind(query), args...); err != nil {
		return nil, err
	}
	out := make([]api.TimerEntry, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.entry())
	}
	return out, nil
}

func (s *SQLStore) TryAcquire(ctx context.Context, key, owner string, ttl time.Duration) (bool, error) {
	now := s.clock.Now()
	res, err := s.db.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO leases (lock_key, owner, expires_at) VALUES (?, ?, ?)
		ON CONFLICT (lock_key) DO UPDATE
		SET owner = excluded.owner, expires_at = excluded.expires_at
		WHERE leases.owner = excluded.owner OR leases.expires_at <= ?`),
		key, owner, now.Add(ttl).UnixNano(), now.UnixNano(),
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *SQLStore) Renew(ctx context.Context, key, owner string, ttl time.Duration) error {
	now := s.clock.Now()
	res, err := s.db.ExecContext(ctx, s.db.Rebind(`
		UPDATE leases SET expires_at = ?
		WHERE lock_key = ? AND owner = ? AND expires_at > ?`),
		now.Add(ttl).UnixNano(), key, owner, now.UnixNano(),
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrLockHeld
	}
	return nil
}

func (s *SQLStore) Release(ctx context.Context, key, owner string) error {
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`DELETE FROM leases WHERE lock_key = ? AND owner = ?`), key, owner)
	return err
}

type eventRow struct {
	InstanceID        string `db:"instance_id"`
	At                int64  `db:"at"`
	Type              string `db:"type"`
	DefinitionID      string `db:"definition_id"`
	DefinitionVersion int    `db:"definition_version"`
	NodeID            string `db:"node_id"`
	Detail            string `db:"detail"`
}

func (s *SQLStore) AppendEvent(ctx context.Context, ev api.HistoryEvent) error {
	at := ev.At
	if at.IsZero() {
		at = s.clock.Now()
	}
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO instance_events (instance_id, at, type, definition_id, definition_version, node_id, detail)
		VALUES (?, ?, ?, ?, ?, ?, ?)`),
		ev.InstanceID,
		at.UnixNano(),
		string(ev.Type),
		ev.DefinitionID,
		ev.DefinitionVersion,
		ev.NodeID,
		ev.Detail,
	)
	return err
}

func (s *SQLStore) ListEvents(ctx context.Context, instanceID string) ([]api.HistoryEvent, error) {
	var rows []eventRow
	if err := s.db.SelectContext(ctx, &rows, s.db.Rebind(`
		SELECT instance_id, at, type, definition_id, definition_version, node_id, detail
		FROM instance_events
		WHERE instance_id = ?
		ORDER BY id ASC`), instanceID); err != nil {
		return nil, err
	}

	out := make([]api.HistoryEvent, 0, len(rows))
	for _, r := range rows {
		out = append(out, api.HistoryEvent{
			InstanceID:        r.InstanceID,
			At:                time.Unix(0, r.At).UTC(),
			Type:              api.EventType(r.Type),
			DefinitionID:      r.DefinitionID,
			DefinitionVersion: r.DefinitionVersion,
			NodeID:            r.NodeID,
			Detail:            r.Detail,
		})
	}
	return out, nil
}
