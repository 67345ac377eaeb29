package internal

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/lib/pq"
	"github.com/lychee-technology/cardbase"
	"go.uber.org/zap"
)

// maxNotifyPayload keeps trigger payloads under the 8000 byte NOTIFY limit.
const maxNotifyPayload = 7900

// EnsureDatabase creates the configured database through the maintenance
// database when it does not exist yet.
func EnsureDatabase(ctx context.Context, cfg cardbase.DatabaseConfig) error {
	db, err := sql.Open("postgres", cfg.MaintenanceConnString())
	if err != nil {
		return fmt.Errorf("open maintenance connection: %w", err)
	}
	defer db.Close()

	var exists bool
	if err := db.QueryRowContext(ctx, "SELECT EXISTS (SELECT 1 FROM pg_database WHERE datname = $1)", cfg.Database).Scan(&exists); err != nil {
		return fmt.Errorf("check database: %w", err)
	}
	if exists {
		return nil
	}

	if _, err := db.ExecContext(ctx, "CREATE DATABASE "+pq.QuoteIdentifier(cfg.Database)); err != nil {
		var pqErr *pq.Error
		// 42P04: created concurrently by another process
		if errors.As(err, &pqErr) && pqErr.Code == "42P04" {
			return nil
		}
		return fmt.Errorf("create database: %w", err)
	}
	zap.S().Infow("database created", "database", cfg.Database)
	return nil
}

// bootstrapStatements renders the idempotent DDL for the card and link
// tables and the change trigger.
func bootstrapStatements(names cardbase.TableNames) []string {
	cards := sanitizeIdentifier(names.Cards)
	links := sanitizeIdentifier(names.Links)
	fn := sanitizeIdentifier(names.ChangeTriggerFn)
	trigger := sanitizeIdentifier(names.ChangeTrigger)
	channel := pq.QuoteLiteral(names.NotifyChannel)

	return []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			id uuid PRIMARY KEY,
			slug varchar(%d) NOT NULL,
			type text NOT NULL,
			version text NOT NULL DEFAULT %s,
			name text,
			active boolean NOT NULL DEFAULT TRUE,
			tags text[] NOT NULL DEFAULT '{}',
			markers text[] NOT NULL DEFAULT '{}',
			links jsonb NOT NULL DEFAULT '{}',
			linked_at jsonb NOT NULL DEFAULT '{}',
			requires jsonb[] NOT NULL DEFAULT '{}',
			capabilities jsonb[] NOT NULL DEFAULT '{}',
			data jsonb NOT NULL DEFAULT '{}',
			created_at timestamptz NOT NULL DEFAULT now(),
			updated_at timestamptz,
			UNIQUE (slug, version)
		)`, cards, cardbase.MaxSlugLength, pq.QuoteLiteral(cardbase.DefaultVersion)),

		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			id uuid PRIMARY KEY REFERENCES %s (id) ON DELETE CASCADE,
			slug varchar(%d) NOT NULL,
			name text NOT NULL,
			inverse_name text NOT NULL,
			from_id uuid NOT NULL,
			from_type text NOT NULL,
			to_id uuid NOT NULL,
			to_type text NOT NULL,
			created_at timestamptz NOT NULL DEFAULT now()
		)`, links, cards, cardbase.MaxSlugLength),

		fmt.Sprintf(`CREATE OR REPLACE FUNCTION %s() RETURNS trigger AS $$
		DECLARE
			payload text;
		BEGIN
			IF TG_OP = 'INSERT' THEN
				payload := json_build_object('op', 'insert', 'id', NEW.id)::text;
			ELSE
				payload := json_build_object('op', 'update', 'id', NEW.id, 'before', to_jsonb(OLD))::text;
				IF octet_length(payload) > %d THEN
					payload := json_build_object('op', 'update', 'id', NEW.id)::text;
				END IF;
			END IF;
			PERFORM pg_notify(%s, payload);
			RETURN NEW;
		END;
		$$ LANGUAGE plpgsql`, fn, maxNotifyPayload, channel),

		fmt.Sprintf(`DROP TRIGGER IF EXISTS %s ON %s`, trigger, cards),
		fmt.Sprintf(`CREATE TRIGGER %s AFTER INSERT OR UPDATE ON %s FOR EACH ROW EXECUTE FUNCTION %s()`, trigger, cards, fn),
	}
}

// Bootstrap creates tables, the change trigger and the derived views in one
// transaction, serialized across processes by an advisory lock.
func Bootstrap(ctx context.Context, pool txBeginner, names cardbase.TableNames) error {
	tx, err := pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx) // no-op if committed

	if _, err := tx.Exec(ctx, "SELECT pg_advisory_xact_lock(hashtext($1))", "cardbase_bootstrap:"+names.Cards); err != nil {
		return fmt.Errorf("acquire bootstrap lock: %w", err)
	}
	statements := append(bootstrapStatements(names), viewStatements(names)...)
	for _, stmt := range statements {
		if _, err := tx.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("bootstrap: %w", err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	zap.S().Infow("schema bootstrapped", "cards", names.Cards, "links", names.Links)
	return nil
}
