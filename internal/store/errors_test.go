package store

import (
	"database/sql"
	"errors"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"

	"docflow/api/internal/apperr"
)

func TestTranslateMapsDriverErrors(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want error
	}{
		{name: "no rows", err: sql.ErrNoRows, want: apperr.ErrNotFound},
		{name: "unique", err: &pgconn.PgError{Code: "23505", ConstraintName: "permissions_active_slot"}, want: apperr.ErrConflict},
		{name: "foreign key", err: &pgconn.PgError{Code: "23503"}, want: apperr.ErrNotFound},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := translate(tc.err, "op", "missing")
			if !errors.Is(got, tc.want) {
				t.Fatalf("translate(%v) = %v, want kind %v", tc.err, got, tc.want)
			}
		})
	}
}

func TestTranslateWrapsUnknownErrors(t *testing.T) {
	base := errors.New("connection reset")
	got := translate(base, "insert version", "missing")
	if !errors.Is(got, base) {
		t.Fatalf("expected wrapped base error, got %v", got)
	}
	if apperr.Kind(got) != nil {
		t.Fatalf("unexpected kind for %v", got)
	}
	if translate(nil, "op", "missing") != nil {
		t.Fatal("translate(nil) should be nil")
	}
}
