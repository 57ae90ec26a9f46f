package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/hamed0406/gefion/internal/domain"
	"github.com/hamed0406/gefion/internal/repo"
)

var _ repo.MonitorStore = (*Store)(nil)

type Store struct {
	pool *pgxpool.Pool
	log  *zap.Logger
}

// New connects, pings and migrates the schema.
func New(ctx context.Context, dsn string, log *zap.Logger) (*Store, error) {
	if err := Migrate(dsn); err != nil {
		return nil, err
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("pgxpool.New: %w", err)
	}
	ctxPing, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(ctxPing); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}
	log.Info("postgres_ready")
	return &Store{pool: pool, log: log}, nil
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

func (s *Store) Put(ctx context.Context, m domain.Monitor) error {
	args, err := json.Marshal(m.Definition.ProbeArgs)
	if err != nil {
		return fmt.Errorf("encode arguments: %w", err)
	}

	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		d := m.Definition
		_, err := tx.Exec(ctx,
			`INSERT INTO monitors (id, unique_id, name, check_kind, arguments, worker, frequency)
			 VALUES ($1, $2, $3, $4, $5::jsonb, $6, $7)
			 ON CONFLICT (id) DO UPDATE SET
			   unique_id  = EXCLUDED.unique_id,
			   name       = EXCLUDED.name,
			   check_kind = EXCLUDED.check_kind,
			   arguments  = EXCLUDED.arguments,
			   worker     = EXCLUDED.worker,
			   frequency  = EXCLUDED.frequency`,
			d.MonitorID, d.VersionID, m.State.Name, d.ProbeKind, args, d.Worker, d.IntervalSeconds,
		)
		if err != nil {
			return fmt.Errorf("upsert monitor: %w", err)
		}
		if _, err := tx.Exec(ctx, `DELETE FROM contacts WHERE monitor_id = $1`, d.MonitorID); err != nil {
			return fmt.Errorf("clear contacts: %w", err)
		}
		for i, c := range m.State.Contacts {
			if _, err := tx.Exec(ctx,
				`INSERT INTO contacts (monitor_id, position, notifier, destination) VALUES ($1, $2, $3, $4)`,
				d.MonitorID, i, c.ChannelKind, c.Destination,
			); err != nil {
				return fmt.Errorf("insert contact: %w", err)
			}
		}
		return nil
	})
}

const monitorColumns = `id, unique_id, name, check_kind, arguments, worker, frequency,
       last_availability, last_message, last_updated`

func (s *Store) Find(ctx context.Context, monitorID, versionID string) (*domain.Monitor, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+monitorColumns+`
		   FROM monitors
		  WHERE id = $1 OR ($2 <> '' AND unique_id = $2)
		  ORDER BY (id = $1) DESC
		  LIMIT 1`, monitorID, versionID)
	m, err := scanMonitor(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find monitor: %w", err)
	}
	if m.State.Contacts, err = s.contacts(ctx, s.pool, m.Definition.MonitorID); err != nil {
		return nil, err
	}
	return m, nil
}

func (s *Store) List(ctx context.Context) ([]domain.Monitor, error) {
	return s.list(ctx, `SELECT `+monitorColumns+` FROM monitors ORDER BY id`)
}

func (s *Store) ListByWorker(ctx context.Context, worker string) ([]domain.Monitor, error) {
	return s.list(ctx, `SELECT `+monitorColumns+` FROM monitors WHERE worker = $1 ORDER BY id`, worker)
}

func (s *Store) list(ctx context.Context, query string, args ...any) ([]domain.Monitor, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list monitors: %w", err)
	}
	defer rows.Close()

	var out []domain.Monitor
	for rows.Next() {
		m, err := scanMonitor(rows)
		if err != nil {
			return nil, fmt.Errorf("scan monitor: %w", err)
		}
		out = append(out, *m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i := range out {
		if out[i].State.Contacts, err = s.contacts(ctx, s.pool, out[i].Definition.MonitorID); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (s *Store) Delete(ctx context.Context, id string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM monitors WHERE id = $1`, id); err != nil {
		return fmt.Errorf("delete monitor: %w", err)
	}
	return nil
}

// UpdateState locks the monitor row for the duration of the transaction, so
// concurrent masters sharing the database also serialize per monitor.
func (s *Store) UpdateState(ctx context.Context, id string, fn func(*domain.MonitorState) error) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		row := tx.QueryRow(ctx, `SELECT `+monitorColumns+` FROM monitors WHERE id = $1 FOR UPDATE`, id)
		m, err := scanMonitor(row)
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.ErrUnknownMonitor
		}
		if err != nil {
			return fmt.Errorf("lock monitor: %w", err)
		}
		if m.State.Contacts, err = s.contacts(ctx, tx, id); err != nil {
			return err
		}

		st := m.State
		if err := fn(&st); err != nil {
			return err
		}

		var updated *time.Time
		if !st.LastUpdatedAt.IsZero() {
			updated = &st.LastUpdatedAt
		}
		_, err = tx.Exec(ctx,
			`UPDATE monitors
			    SET last_availability = $2, last_message = $3, last_updated = $4
			  WHERE id = $1`,
			id, st.LastAvailable, st.LastMessage, updated,
		)
		if err != nil {
			return fmt.Errorf("update state: %w", err)
		}
		return nil
	})
}

type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

func (s *Store) contacts(ctx context.Context, q querier, monitorID string) ([]domain.ContactRef, error) {
	rows, err := q.Query(ctx,
		`SELECT notifier, destination FROM contacts WHERE monitor_id = $1 ORDER BY position`, monitorID)
	if err != nil {
		return nil, fmt.Errorf("list contacts: %w", err)
	}
	defer rows.Close()

	var out []domain.ContactRef
	for rows.Next() {
		var c domain.ContactRef
		if err := rows.Scan(&c.ChannelKind, &c.Destination); err != nil {
			return nil, fmt.Errorf("scan contact: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func scanMonitor(row pgx.Row) (*domain.Monitor, error) {
	var (
		m       domain.Monitor
		args    []byte
		updated *time.Time
	)
	err := row.Scan(
		&m.Definition.MonitorID, &m.Definition.VersionID, &m.State.Name, &m.Definition.ProbeKind,
		&args, &m.Definition.Worker, &m.Definition.IntervalSeconds,
		&m.State.LastAvailable, &m.State.LastMessage, &updated,
	)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(args, &m.Definition.ProbeArgs); err != nil {
		return nil, fmt.Errorf("decode arguments: %w", err)
	}
	if updated != nil {
		m.State.LastUpdatedAt = updated.UTC()
	}
	m.State.ID = m.Definition.MonitorID
	m.State.VersionID = m.Definition.VersionID
	return &m, nil
}
