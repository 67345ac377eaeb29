package internal

import (
	"context"
	"errors"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/lib/pq"
	"github.com/lychee-technology/cardbase"
)

// pgErrorRule maps one backend failure onto an error kind. message is only
// consulted when the error carries no SQLSTATE.
type pgErrorRule struct {
	code    string
	message string
	kind    cardbase.ErrorKind
}

var pgErrorRules = []pgErrorRule{
	{code: "23505", message: "duplicate key value violates unique constraint", kind: cardbase.KindAlreadyExists},
	{code: "22001", message: "value too long for type", kind: cardbase.KindSlugTooLong},
	{code: "57014", message: "canceling statement due to statement timeout", kind: cardbase.KindQueryTimeout},
	{code: "2201B", message: "invalid regular expression", kind: cardbase.KindRegexInvalid},
}

// sqlState extracts the SQLSTATE and message from pgx and lib/pq errors.
func sqlState(err error) (code, message string) {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code, pgErr.Message
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return string(pqErr.Code), pqErr.Message
	}
	return "", err.Error()
}

func classifyKind(err error) (cardbase.ErrorKind, bool) {
	code, message := sqlState(err)
	for _, rule := range pgErrorRules {
		if code != "" {
			if code == rule.code {
				return rule.kind, true
			}
			continue
		}
		if strings.Contains(message, rule.message) {
			return rule.kind, true
		}
	}
	return "", false
}

// classifyError converts a backend failure into a *cardbase.Error. slug
// names the card involved in a write, if any.
func classifyError(err error, op, slug string) error {
	if err == nil {
		return nil
	}
	var cerr *cardbase.Error
	if errors.As(err, &cerr) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return cardbase.NewQueryTimeoutError(err)
	}
	kind, ok := classifyKind(err)
	if !ok {
		return cardbase.NewStoreError(op, err)
	}
	switch kind {
	case cardbase.KindAlreadyExists:
		return cardbase.NewAlreadyExistsError(slug, err)
	case cardbase.KindSlugTooLong:
		return cardbase.NewSlugTooLongError(slug, cardbase.MaxSlugLength).WithCause(err)
	case cardbase.KindQueryTimeout:
		return cardbase.NewQueryTimeoutError(err)
	case cardbase.KindRegexInvalid:
		return cardbase.NewRegexInvalidError(err)
	}
	return cardbase.NewStoreError(op, err)
}
