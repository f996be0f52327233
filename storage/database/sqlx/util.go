package sqlxrepos

import (
	"database/sql"
	"database/sql/driver"
	"strconv"
	"time"

	"github.com/lib/pq"
)

func itoa(n int) string {
	return strconv.Itoa(n)
}

func nullTime(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t, Valid: !t.IsZero()}
}

func pqStringArray(vals []string) driver.Valuer {
	return pq.Array(vals)
}
