package internal

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/lychee-technology/cardbase"
	"github.com/lychee-technology/cardbase/internal/schemasql"
	"go.uber.org/zap"
)

type txBeginner interface {
	BeginTx(ctx context.Context, txOptions pgx.TxOptions) (pgx.Tx, error)
}

// runCompiled executes a compiled query in a read-only transaction bounded
// by a statement timeout and reassembles the result.
func runCompiled(ctx context.Context, pool txBeginner, q *schemasql.Query, timeout time.Duration) ([]*cardbase.Card, error) {
	tx, err := pool.BeginTx(ctx, pgx.TxOptions{AccessMode: pgx.ReadOnly})
	if err != nil {
		return nil, classifyError(err, "begin query transaction", "")
	}
	defer tx.Rollback(ctx) // no-op if committed

	if timeout > 0 {
		if _, err := tx.Exec(ctx, fmt.Sprintf("SET LOCAL statement_timeout = %d", timeout.Milliseconds())); err != nil {
			return nil, classifyError(err, "set statement timeout", "")
		}
	}

	start := time.Now()
	rows, err := tx.Query(ctx, q.SQL, q.Args...)
	if err != nil {
		return nil, classifyError(err, "query cards", "")
	}
	var result []resultRow
	for rows.Next() {
		var row resultRow
		var ord int64
		if err := rows.Scan(&row.node, &row.parent, &row.link, &row.card, &ord); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan query row: %w", err)
		}
		result = append(result, row)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, classifyError(err, "query cards", "")
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, classifyError(err, "commit query transaction", "")
	}
	zap.S().Debugw("query executed", "rows", len(result), "nodes", len(q.Nodes), "duration", time.Since(start))

	return reassemble(q.Nodes, result)
}
