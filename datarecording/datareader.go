package datarecording

import (
	"database/sql"
	"fmt"
	"regexp"
)

var identifier = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// A Reader summarizes the tables of a recorded database.
type Reader struct {
	*sql.DB
}

// NewReader opens path.sqlite3 for reading.
func NewReader(path string) (*Reader, error) {
	db, err := sql.Open("sqlite3", "file:"+path+".sqlite3?mode=ro")
	if err != nil {
		return nil, err
	}

	return &Reader{DB: db}, nil
}

// NewReaderWithDB wraps a database opened by the caller.
func NewReaderWithDB(db *sql.DB) *Reader {
	return &Reader{DB: db}
}

// ListTables returns the names of the tables in the database.
func (r *Reader) ListTables() ([]string, error) {
	rows, err := r.Query(
		`SELECT name FROM sqlite_master WHERE type='table' ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		names = append(names, name)
	}

	return names, rows.Err()
}

// CountBy returns how many rows of a table hold each value of a column.
func (r *Reader) CountBy(tableName, column string) (map[string]int, error) {
	if !identifier.MatchString(tableName) || !identifier.MatchString(column) {
		return nil, fmt.Errorf("invalid table %q or column %q", tableName, column)
	}

	rows, err := r.Query(fmt.Sprintf(
		"SELECT %s, COUNT(*) FROM %s GROUP BY %s",
		quoteIdentifier(column), quoteIdentifier(tableName),
		quoteIdentifier(column)))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var (
			value string
			count int
		)
		if err := rows.Scan(&value, &count); err != nil {
			return nil, err
		}
		counts[value] = count
	}

	return counts, rows.Err()
}
