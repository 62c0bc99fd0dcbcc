package store

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"

	"docflow/api/internal/apperr"
)

const (
	sqlStateUniqueViolation     = "23505"
	sqlStateForeignKeyViolation = "23503"
)

// translate maps driver errors onto apperr kinds and wraps everything else
// with op for context.
func translate(err error, op, notFound string) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return apperr.New(apperr.ErrNotFound, notFound)
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.SQLState() {
		case sqlStateUniqueViolation:
			return apperr.WithDetails(apperr.ErrConflict, op+": duplicate", map[string]any{"constraint": pgErr.ConstraintName})
		case sqlStateForeignKeyViolation:
			return apperr.New(apperr.ErrNotFound, notFound)
		}
	}
	return fmt.Errorf("%s: %w", op, err)
}
