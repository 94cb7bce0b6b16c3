// Package store keeps the append-only collection of Metric Records that the
// stopping controller and the comparison report read from.
package store

import (
	"context"
	"fmt"
	"os"

	"github.com/signalnine/gauntlet/internal/config"
	"github.com/signalnine/gauntlet/internal/result"
)

// Store is the cross-run query surface. Only completed runs are appended;
// Completed returns them in append order.
type Store interface {
	Append(ctx context.Context, rec *result.MetricRecord) error
	Completed(ctx context.Context, framework string) ([]result.MetricRecord, error)
	Frameworks(ctx context.Context) ([]string, error)
	Close() error
}

// Open selects the configured driver.
func Open(ctx context.Context, cfg *config.Config) (Store, error) {
	switch cfg.Store.Driver {
	case "", "file":
		return NewFileStore(cfg.ExperimentDir()), nil
	case "postgres":
		dsn := os.Getenv(cfg.Store.DSNEnv)
		if dsn == "" {
			return nil, fmt.Errorf("store: %s is not set", cfg.Store.DSNEnv)
		}
		return OpenPostgres(ctx, dsn, cfg.Experiment.Name)
	default:
		return nil, fmt.Errorf("store: unknown driver %q", cfg.Store.Driver)
	}
}

func checkAppend(rec *result.MetricRecord) error {
	if rec == nil || rec.RunID == "" || rec.Framework == "" {
		return fmt.Errorf("store: record needs run id and framework")
	}
	if rec.Status != result.StatusCompleted {
		return fmt.Errorf("store: run %s has status %q, only completed runs are stored", rec.RunID, rec.Status)
	}
	return nil
}
