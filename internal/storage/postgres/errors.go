package postgres

import (
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/gorm"

	"github.com/codeocean/runbridge/internal/domain"
)

// ErrConflict is returned when an insert collides with an existing row.
var ErrConflict = errors.New("record already exists")

// uniqueViolation is the SQLSTATE PostgreSQL reports for duplicate keys.
const uniqueViolation = "23505"

// wrapErr annotates err with what and maps driver errors onto the sentinels
// callers match on.
func wrapErr(err error, what string) error {
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		return fmt.Errorf("%s: %w", what, domain.ErrNotFound)
	case isUniqueViolation(err):
		return fmt.Errorf("%s: %w", what, ErrConflict)
	default:
		return fmt.Errorf("%s: %w", what, err)
	}
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == uniqueViolation
	}
	return errors.Is(err, gorm.ErrDuplicatedKey)
}
