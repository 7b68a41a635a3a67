package relay

import (
	"errors"

	"github.com/jackc/pgx/v5/pgconn"
)

// pgErrCodeIs reports whether err is a PostgreSQL error with the given SQLSTATE code.
func pgErrCodeIs(err error, code string) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == code
}
