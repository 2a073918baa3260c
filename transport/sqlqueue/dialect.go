package sqlqueue

import (
	"strconv"
	"strings"
)

// Dialect describes the SQL differences between the supported databases.
type Dialect struct {
	Name string
	// TablePrefix is prepended to every table name, e.g. "queueflow." for a
	// Postgres schema.
	TablePrefix string
	// Schema creates the tables. %[1]s expands to TablePrefix.
	Schema []string
	// NumberedPlaceholders rewrites ? placeholders to $1, $2, ...
	NumberedPlaceholders bool
	// LockClause is appended to row selects so that rows locked by another
	// transaction are skipped.
	LockClause string
}

// SQLite is the dialect for mattn/go-sqlite3. SQLite serializes writers, so
// no row locking is needed.
var SQLite = Dialect{
	Name: "sqlite",
	Schema: []string{
		`CREATE TABLE IF NOT EXISTS %[1]squeues (
			name TEXT PRIMARY KEY
		)`,
		`CREATE TABLE IF NOT EXISTS %[1]squeue_messages (
			lookup_id INTEGER PRIMARY KEY AUTOINCREMENT,
			queue TEXT NOT NULL,
			subqueue TEXT NOT NULL DEFAULT '',
			message_id TEXT NOT NULL,
			label TEXT NOT NULL DEFAULT '',
			correlation_id TEXT NOT NULL DEFAULT '',
			body BLOB,
			app_specific INTEGER NOT NULL DEFAULT 0,
			response_queue TEXT NOT NULL DEFAULT '',
			admin_queue TEXT NOT NULL DEFAULT '',
			destination_queue TEXT NOT NULL DEFAULT '',
			ack_types INTEGER NOT NULL DEFAULT 0,
			ack_class INTEGER NOT NULL DEFAULT 0,
			ttrq_ms INTEGER NOT NULL DEFAULT 0,
			ttbr_ms INTEGER NOT NULL DEFAULT 0,
			sent_at INTEGER NOT NULL DEFAULT 0,
			properties TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE INDEX IF NOT EXISTS idx_queue_messages_queue ON %[1]squeue_messages(queue, subqueue, lookup_id)`,
	},
}

// Postgres returns the dialect for lib/pq with tables in schema.
func Postgres(schema string) Dialect {
	return Dialect{
		Name:        "postgres",
		TablePrefix: schema + ".",
		Schema: []string{
			`CREATE SCHEMA IF NOT EXISTS ` + schema,
			`CREATE TABLE IF NOT EXISTS %[1]squeues (
				name TEXT PRIMARY KEY
			)`,
			`CREATE TABLE IF NOT EXISTS %[1]squeue_messages (
				lookup_id BIGSERIAL PRIMARY KEY,
				queue TEXT NOT NULL,
				subqueue TEXT NOT NULL DEFAULT '',
				message_id TEXT NOT NULL,
				label TEXT NOT NULL DEFAULT '',
				correlation_id TEXT NOT NULL DEFAULT '',
				body BYTEA,
				app_specific INTEGER NOT NULL DEFAULT 0,
				response_queue TEXT NOT NULL DEFAULT '',
				admin_queue TEXT NOT NULL DEFAULT '',
				destination_queue TEXT NOT NULL DEFAULT '',
				ack_types INTEGER NOT NULL DEFAULT 0,
				ack_class INTEGER NOT NULL DEFAULT 0,
				ttrq_ms BIGINT NOT NULL DEFAULT 0,
				ttbr_ms BIGINT NOT NULL DEFAULT 0,
				sent_at BIGINT NOT NULL DEFAULT 0,
				properties TEXT NOT NULL DEFAULT ''
			)`,
			`CREATE INDEX IF NOT EXISTS idx_queue_messages_queue ON %[1]squeue_messages(queue, subqueue, lookup_id)`,
		},
		NumberedPlaceholders: true,
		LockClause:           "FOR UPDATE SKIP LOCKED",
	}
}

// format expands the table prefix and placeholders of query.
func (d Dialect) format(query string) string {
	query = strings.ReplaceAll(query, "%[1]s", d.TablePrefix)
	if !d.NumberedPlaceholders {
		return query
	}
	var b strings.Builder
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

// locked appends the lock clause to a row select.
func (d Dialect) locked(query string) string {
	if d.LockClause == "" {
		return query
	}
	return query + " " + d.LockClause
}
