package internal

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/lychee-technology/cardbase"
)

// StoreHealth is what a health check found on the configured server.
type StoreHealth struct {
	ServerVersion string          `json:"serverVersion"`
	Relations     map[string]bool `json:"relations"`
}

// Ready reports whether every relation the backend relies on exists.
func (h *StoreHealth) Ready() bool {
	for _, ok := range h.Relations {
		if !ok {
			return false
		}
	}
	return len(h.Relations) > 0
}

// Missing lists the relations that were not found.
func (h *StoreHealth) Missing() []string {
	var out []string
	for name, ok := range h.Relations {
		if !ok {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

type rowQuerier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// CheckStore connects with cfg, verifies the server answers and reports
// which of the card store relations exist. timeout may be 0 for 5s.
func CheckStore(ctx context.Context, cfg cardbase.DatabaseConfig, timeout time.Duration) (*StoreHealth, error) {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	poolCfg, err := pgxpool.ParseConfig(cfg.ConnString())
	if err != nil {
		return nil, fmt.Errorf("parse connection string: %w", err)
	}
	poolCfg.MaxConns = 1
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, cardbase.NewConnectionError("connect postgres", err)
	}
	defer pool.Close()

	if err := pingPool(ctx, pool); err != nil {
		return nil, cardbase.NewConnectionError("postgres is not answering", err)
	}
	return inspectStore(ctx, pool, cfg.TableNames)
}

func inspectStore(ctx context.Context, db rowQuerier, names cardbase.TableNames) (*StoreHealth, error) {
	h := &StoreHealth{Relations: map[string]bool{}}
	if err := db.QueryRow(ctx, "SELECT current_setting('server_version')").Scan(&h.ServerVersion); err != nil {
		return nil, fmt.Errorf("read server version: %w", err)
	}
	for _, rel := range []string{names.Cards, names.Links, names.OrgMemberships} {
		var exists bool
		if err := db.QueryRow(ctx, "SELECT to_regclass($1) IS NOT NULL", rel).Scan(&exists); err != nil {
			return nil, fmt.Errorf("look up relation %s: %w", rel, err)
		}
		h.Relations[rel] = exists
	}
	return h, nil
}

// pingPool verifies an open pool can round-trip a simple statement.
func pingPool(ctx context.Context, pool *pgxpool.Pool) error {
	if err := pool.Ping(ctx); err != nil {
		return fmt.Errorf("postgres ping failed: %w", err)
	}
	var one int
	if err := pool.QueryRow(ctx, "SELECT 1").Scan(&one); err != nil {
		return fmt.Errorf("postgres simple query failed: %w", err)
	}
	return nil
}
