package repository

import "database/sql"

// Schema - таблицы аудита гейта.
// rejections - журнал отклонений, fills - журнал подтвержденных исполнений
// для восстановления теневого состояния после рестарта.
const Schema = `
CREATE TABLE IF NOT EXISTS rejections (
	id             TEXT PRIMARY KEY,
	command_id     TEXT NOT NULL DEFAULT '',
	correlation_id TEXT NOT NULL DEFAULT '',
	producer       TEXT NOT NULL DEFAULT '',
	symbol         TEXT NOT NULL DEFAULT '',
	kind           TEXT NOT NULL DEFAULT '',
	reason_code    TEXT NOT NULL,
	detail         TEXT NOT NULL DEFAULT '',
	mode           TEXT NOT NULL DEFAULT '',
	ts             TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_rejections_ts ON rejections (ts DESC);
CREATE INDEX IF NOT EXISTS idx_rejections_command ON rejections (command_id);

CREATE TABLE IF NOT EXISTS fills (
	fill_id  TEXT PRIMARY KEY,
	order_id TEXT NOT NULL DEFAULT '',
	symbol   TEXT NOT NULL,
	side     TEXT NOT NULL,
	size     DOUBLE PRECISION NOT NULL,
	price    DOUBLE PRECISION NOT NULL,
	fee      DOUBLE PRECISION NOT NULL DEFAULT 0,
	ts       TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_fills_ts ON fills (ts);
`

// EnsureSchema создает таблицы, если их нет
func EnsureSchema(db *sql.DB) error {
	_, err := db.Exec(Schema)
	return err
}
