// Package storage holds the SQL-backed persistence used by the server:
// the tool execution ledger that keeps approved and automatic tool calls
// from running twice across turns and restarts.
package storage
