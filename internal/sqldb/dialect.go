package sqldb

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/go-sql-driver/mysql"
	"github.com/jackc/pgx/v5/pgconn"
	"modernc.org/sqlite"
)

// Dialect names accepted by Open and DialectByName.
const (
	DialectSQLite   = "sqlite"
	DialectPostgres = "postgres"
	DialectMySQL    = "mysql"
)

// Period is a calendar granularity for date truncation.
type Period string

// Supported truncation periods.
const (
	PeriodYear   Period = "year"
	PeriodMonth  Period = "month"
	PeriodWeek   Period = "week"
	PeriodDay    Period = "day"
	PeriodHour   Period = "hour"
	PeriodMinute Period = "minute"
)

// ValidPeriod reports whether p is a supported truncation period.
func ValidPeriod(p Period) bool {
	switch p {
	case PeriodYear, PeriodMonth, PeriodWeek, PeriodDay, PeriodHour, PeriodMinute:
		return true
	}
	return false
}

// Dialect is the per-engine SQL strategy, selected once at startup. All
// engines must produce identical query semantics; the dialect only varies
// the SQL text.
type Dialect interface {
	Name() string

	// Rebind converts ?-placeholders to the engine's parameter syntax.
	Rebind(query string) string

	// DateTrunc returns an expression truncating expr to the start of the
	// period. Week truncation is Monday-aligned on every engine.
	DateTrunc(period Period, expr string) (string, error)

	// CaseInsensitiveLike returns a case-insensitive substring predicate
	// over column with one ?-placeholder for the %-wrapped pattern.
	CaseInsensitiveLike(column string) string

	// FullTextMatch returns a native full-text predicate over column with
	// one ?-placeholder, or ok=false when the engine has no native
	// full-text operator.
	FullTextMatch(column string) (string, bool)

	// IsUniqueViolation reports whether err is a duplicate-key failure.
	IsUniqueViolation(err error) bool
}

// DialectByName resolves a configured engine identifier.
func DialectByName(name string) (Dialect, error) {
	switch name {
	case DialectSQLite:
		return sqliteDialect{}, nil
	case DialectPostgres:
		return postgresDialect{}, nil
	case DialectMySQL:
		return mysqlDialect{}, nil
	default:
		return nil, fmt.Errorf("unknown dialect %q (want %s, %s or %s)",
			name, DialectSQLite, DialectPostgres, DialectMySQL)
	}
}

// fullTextSpecials are stripped from search terms before they reach a
// boolean-mode operator, to keep query syntax out of user input.
const fullTextSpecials = `-*()~"@<>^+`

// SanitizeFullTextTerm removes boolean-mode operator characters from a
// user-supplied search term.
func SanitizeFullTextTerm(term string) string {
	return strings.Map(func(r rune) rune {
		if strings.ContainsRune(fullTextSpecials, r) {
			return -1
		}
		return r
	}, term)
}

// EscapeLike escapes %, _ and the escape character itself so a user term
// can be embedded in a LIKE pattern with ESCAPE '\'.
func EscapeLike(term string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(term)
}

// --- sqlite ---

type sqliteDialect struct{}

func (sqliteDialect) Name() string { return DialectSQLite }

func (sqliteDialect) Rebind(query string) string { return query }

func (sqliteDialect) DateTrunc(period Period, expr string) (string, error) {
	switch period {
	case PeriodMinute:
		return "strftime('%Y-%m-%d %H:%M:00', " + expr + ")", nil
	case PeriodHour:
		return "strftime('%Y-%m-%d %H:00:00', " + expr + ")", nil
	case PeriodDay:
		return "datetime(" + expr + ", 'start of day')", nil
	case PeriodWeek:
		// 'weekday 0' lands on the following Sunday; stepping back six
		// days yields the Monday that starts the week.
		return "datetime(" + expr + ", 'weekday 0', '-6 days', 'start of day')", nil
	case PeriodMonth:
		return "datetime(" + expr + ", 'start of month')", nil
	case PeriodYear:
		return "datetime(" + expr + ", 'start of year')", nil
	default:
		return "", fmt.Errorf("sqlite: unsupported truncation period %q", period)
	}
}

func (sqliteDialect) CaseInsensitiveLike(column string) string {
	return "lower(" + column + `) LIKE ? ESCAPE '\'`
}

func (sqliteDialect) FullTextMatch(string) (string, bool) { return "", false }

func (sqliteDialect) IsUniqueViolation(err error) bool {
	var serr *sqlite.Error
	if errors.As(err, &serr) {
		// SQLITE_CONSTRAINT_PRIMARYKEY / SQLITE_CONSTRAINT_UNIQUE
		code := serr.Code()
		return code == 1555 || code == 2067
	}
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// --- postgres ---

type postgresDialect struct{}

func (postgresDialect) Name() string { return DialectPostgres }

func (postgresDialect) Rebind(query string) string {
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (postgresDialect) DateTrunc(period Period, expr string) (string, error) {
	if !ValidPeriod(period) {
		return "", fmt.Errorf("postgres: unsupported truncation period %q", period)
	}
	return "date_trunc('" + string(period) + "', " + expr + ")", nil
}

func (postgresDialect) CaseInsensitiveLike(column string) string {
	return column + ` ILIKE ? ESCAPE '\'`
}

func (postgresDialect) FullTextMatch(string) (string, bool) { return "", false }

func (postgresDialect) IsUniqueViolation(err error) bool {
	var perr *pgconn.PgError
	return errors.As(err, &perr) && perr.Code == "23505"
}

// --- mysql ---

type mysqlDialect struct{}

func (mysqlDialect) Name() string { return DialectMySQL }

func (mysqlDialect) Rebind(query string) string { return query }

func (mysqlDialect) DateTrunc(period Period, expr string) (string, error) {
	switch period {
	case PeriodMinute:
		return "date_format(" + expr + ", '%Y-%m-%d %H:%i:00')", nil
	case PeriodHour:
		return "date_format(" + expr + ", '%Y-%m-%d %H:00:00')", nil
	case PeriodDay:
		return "date_format(" + expr + ", '%Y-%m-%d 00:00:00')", nil
	case PeriodWeek:
		// weekday() is zero-based on Monday.
		return "date_format(date_sub(" + expr + ", interval weekday(" + expr + ") day), '%Y-%m-%d 00:00:00')", nil
	case PeriodMonth:
		return "date_format(" + expr + ", '%Y-%m-01 00:00:00')", nil
	case PeriodYear:
		return "date_format(" + expr + ", '%Y-01-01 00:00:00')", nil
	default:
		return "", fmt.Errorf("mysql: unsupported truncation period %q", period)
	}
}

func (mysqlDialect) CaseInsensitiveLike(column string) string {
	return "lower(" + column + `) LIKE ? ESCAPE '\\'`
}

func (mysqlDialect) FullTextMatch(column string) (string, bool) {
	return "MATCH(" + column + ") AGAINST (? IN BOOLEAN MODE)", true
}

func (mysqlDialect) IsUniqueViolation(err error) bool {
	var merr *mysql.MySQLError
	return errors.As(err, &merr) && merr.Number == 1062
}
