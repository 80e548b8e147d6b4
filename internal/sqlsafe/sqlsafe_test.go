package sqlsafe

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsValidIdentifier(t *testing.T) {
	testCases := []struct {
		name  string
		input string
		valid bool
	}{
		{"Simple lowercase", "users", true},
		{"Leading underscore", "_internal", true},
		{"Mixed case with digits", "Order2Items", true},
		{"Max length 63", strings.Repeat("a", 63), true},
		{"Too long 64", strings.Repeat("a", 64), false},
		{"Empty", "", false},
		{"Leading digit", "2users", false},
		{"Embedded quote", `us"ers`, false},
		{"Semicolon injection", "users; DROP TABLE users", false},
		{"Whitespace", "user name", false},
		{"Null byte", "users\x00", false},
		{"Dash", "user-name", false},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.valid, IsValidIdentifier(tc.input))
		})
	}
}

func TestIsValidTableName(t *testing.T) {
	assert.True(t, IsValidTableName("orders"))
	assert.True(t, IsValidTableName("profiles_v2"))

	// System prefixes are only rejected for table names, not columns.
	assert.False(t, IsValidTableName("pg_catalog"))
	assert.False(t, IsValidTableName("PG_shadow"))
	assert.False(t, IsValidTableName("sql_features"))
	assert.True(t, IsValidIdentifier("pg_like_column"))
}

func TestQuoteIdentifier(t *testing.T) {
	quoted, err := QuoteIdentifier("updated_at")
	require.NoError(t, err)
	assert.Equal(t, `"updated_at"`, quoted)

	_, err = QuoteIdentifier("bad; --")
	require.Error(t, err)
	var secErr *SecurityError
	assert.ErrorAs(t, err, &secErr)
	assert.Contains(t, secErr.Error(), "security:")
}

func TestQuoteTableName(t *testing.T) {
	quoted, err := QuoteTableName("orders")
	require.NoError(t, err)
	assert.Equal(t, `"orders"`, quoted)

	_, err = QuoteTableName("pg_proc")
	var secErr *SecurityError
	require.ErrorAs(t, err, &secErr)
}

func TestQuoteLiteral(t *testing.T) {
	testCases := []struct {
		name     string
		input    string
		expected string
	}{
		{"Plain", "hello", `'hello'`},
		{"Single quote doubled", "O'Brien", `'O''Brien'`},
		{"Injection attempt", "'; DROP TABLE users; --", `'''; DROP TABLE users; --'`},
		{"Backslash uses E-string", `C:\tmp`, ` E'C:\\tmp'`},
		{"Null byte stripped", "a\x00b", `'ab'`},
		{"Empty", "", `''`},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.expected, QuoteLiteral(tc.input))
		})
	}
}
