package database

import (
	"regexp"
	"strings"
)

var activeDriver = "postgres"

// Driver returns the active database driver name.
func Driver() string {
	dbMu.RLock()
	defer dbMu.RUnlock()
	return activeDriver
}

// IsMySQL returns true if using MySQL/MariaDB
func IsMySQL() bool {
	return Driver() == "mysql"
}

// IsPostgreSQL returns true if using PostgreSQL
func IsPostgreSQL() bool {
	return Driver() == "postgres"
}

var placeholderPattern = regexp.MustCompile(`\$\d+`)

// ConvertPlaceholders converts PostgreSQL placeholders ($1, $2) to ? style
// placeholders for drivers that need them. Queries are written in PostgreSQL
// format throughout the repository layer.
func ConvertPlaceholders(query string) string {
	if IsPostgreSQL() {
		return query
	}
	result := placeholderPattern.ReplaceAllString(query, "?")
	result = strings.ReplaceAll(result, " ILIKE ", " LIKE ")
	result = strings.ReplaceAll(result, " ilike ", " LIKE ")
	return result
}

// ConvertReturning strips RETURNING clauses for drivers without support and
// reports whether the caller must fall back to LastInsertId.
func ConvertReturning(query string) (string, bool) {
	if IsPostgreSQL() {
		return query, false
	}
	if strings.Contains(strings.ToUpper(query), "RETURNING") {
		re := regexp.MustCompile(`(?i)\s+RETURNING\s+.*$`)
		return re.ReplaceAllString(query, ""), true
	}
	return query, false
}
