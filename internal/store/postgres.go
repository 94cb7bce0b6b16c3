package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/signalnine/gauntlet/internal/result"
)

const schema = `CREATE TABLE IF NOT EXISTS gauntlet_metric_records (
	run_index   BIGSERIAL PRIMARY KEY,
	run_id      TEXT NOT NULL UNIQUE,
	experiment  TEXT NOT NULL,
	framework   TEXT NOT NULL,
	status      TEXT NOT NULL,
	recorded_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	payload     JSONB NOT NULL
);
CREATE INDEX IF NOT EXISTS gauntlet_metric_records_fw
	ON gauntlet_metric_records (experiment, framework, run_index);`

// PostgresStore keeps records for one experiment in a shared table.
type PostgresStore struct {
	db         *sql.DB
	experiment string
}

func OpenPostgres(ctx context.Context, dsn, experiment string) (*PostgresStore, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open: %w", err)
	}
	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)
	db.SetConnMaxIdleTime(5 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("store: ping: %w", err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("store: schema: %w", err)
	}
	return &PostgresStore{db: db, experiment: experiment}, nil
}

func (s *PostgresStore) Append(ctx context.Context, rec *result.MetricRecord) error {
	if err := checkAppend(rec); err != nil {
		return err
	}
	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("store: marshal %s: %w", rec.RunID, err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO gauntlet_metric_records (run_id, experiment, framework, status, payload)
		 VALUES ($1, $2, $3, $4, $5)`,
		rec.RunID, s.experiment, rec.Framework, string(rec.Status), payload,
	)
	if err != nil {
		return fmt.Errorf("store: insert %s: %w", rec.RunID, err)
	}
	return nil
}

func (s *PostgresStore) Completed(ctx context.Context, framework string) ([]result.MetricRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT payload FROM gauntlet_metric_records
		 WHERE experiment = $1 AND framework = $2 AND status = $3
		 ORDER BY run_index`,
		s.experiment, framework, string(result.StatusCompleted),
	)
	if err != nil {
		return nil, fmt.Errorf("store: query %s: %w", framework, err)
	}
	defer rows.Close()

	var out []result.MetricRecord
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		var rec result.MetricRecord
		if err := json.Unmarshal(payload, &rec); err != nil {
			return nil, fmt.Errorf("store: decode record: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *PostgresStore) Frameworks(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT DISTINCT framework FROM gauntlet_metric_records
		 WHERE experiment = $1 ORDER BY framework`, s.experiment)
	if err != nil {
		return nil, fmt.Errorf("store: frameworks: %w", err)
	}
	defer rows.Close()
	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

func (s *PostgresStore) Close() error { return s.db.Close() }
