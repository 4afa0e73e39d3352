// Package postgres implements the hub's durable stores on PostgreSQL.
package postgres

type rowScanner interface {
	Scan(dest ...any) error
}
