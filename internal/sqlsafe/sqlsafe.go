// Package sqlsafe is the single chokepoint for every identifier and literal
// that ends up inside dynamically built SQL. No other package may interpolate
// a table or column name into a query string without going through it.
package sqlsafe

import (
	"fmt"
	"regexp"
	"strings"
)

// SecurityError marks input that must never reach the database. Callers are
// required to abort the current operation when they see one; it is never
// downgraded to a skip or a warning.
type SecurityError struct {
	Name   string
	Reason string
}

func (e *SecurityError) Error() string {
	return fmt.Sprintf("security: invalid SQL identifier %q: %s", e.Name, e.Reason)
}

// identifierRe matches unquoted PostgreSQL identifiers up to the 63-byte
// NAMEDATALEN limit.
var identifierRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]{0,62}$`)

// IsValidIdentifier reports whether name is safe to use as a column or
// constraint identifier.
func IsValidIdentifier(name string) bool {
	if strings.ContainsRune(name, 0x00) {
		return false
	}
	return identifierRe.MatchString(name)
}

// IsValidTableName applies the identifier rules plus the system-prefix
// rejection for table names.
func IsValidTableName(name string) bool {
	if !IsValidIdentifier(name) {
		return false
	}
	lc := strings.ToLower(name)
	return !strings.HasPrefix(lc, "pg_") && !strings.HasPrefix(lc, "sql_")
}

// QuoteIdentifier returns a double-quoted, internally escaped identifier, or
// a SecurityError when the name fails validation.
func QuoteIdentifier(name string) (string, error) {
	if !IsValidIdentifier(name) {
		return "", &SecurityError{Name: name, Reason: "does not match identifier pattern"}
	}
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`, nil
}

// QuoteTableName is QuoteIdentifier with the table-specific rules applied.
func QuoteTableName(name string) (string, error) {
	if !IsValidTableName(name) {
		return "", &SecurityError{Name: name, Reason: "not a valid user table name"}
	}
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`, nil
}

// QuoteLiteral single-quote escapes a text literal for contexts where
// parameter binding is unavailable (backup scripts, IN (...) lists for
// catalog queries). Null bytes are stripped: PostgreSQL rejects them in text
// values and they have no legitimate use in synced data.
func QuoteLiteral(value string) string {
	value = strings.ReplaceAll(value, "\x00", "")
	value = strings.ReplaceAll(value, `'`, `''`)
	if strings.Contains(value, `\`) {
		// Standard-conforming strings treat backslash literally, but an
		// E-string keeps the artifact unambiguous on servers configured
		// otherwise.
		return ` E'` + strings.ReplaceAll(value, `\`, `\\`) + `'`
	}
	return `'` + value + `'`
}
