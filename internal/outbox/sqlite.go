package outbox

import "database/sql"

// sqliteBackend relies on SQLite's own WAL durability rather than an
// explicit fsync call: a single INSERT per event is enough once the
// database is opened in WAL mode (see NewSQLite).
type sqliteBackend struct {
	db *sql.DB
}

func (b *sqliteBackend) writeLine(eventID string, line []byte) error {
	_, err := b.db.Exec(`INSERT INTO outbox_events (event_id, payload) VALUES (?, ?)`, eventID, string(line))
	return err
}
