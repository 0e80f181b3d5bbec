package postgres

import (
	"errors"

	"github.com/jackc/pgx/v5"
)

// mapNoRows translates pgx.ErrNoRows into the domain sentinel so callers
// never need to import pgx to check for "not found".
func mapNoRows(err error, sentinel error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return sentinel
	}
	return err
}
