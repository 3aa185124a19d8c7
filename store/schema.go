package store

const schema = `
CREATE TABLE IF NOT EXISTS bindings (
    display_name TEXT PRIMARY KEY,
    device_id    TEXT NOT NULL,
    endpoint     TEXT NOT NULL DEFAULT '',
    bound_at     TEXT NOT NULL DEFAULT (datetime('now','localtime'))
);

CREATE TABLE IF NOT EXISTS binding_log (
    id            INTEGER PRIMARY KEY AUTOINCREMENT,
    display_name  TEXT NOT NULL,
    old_device_id TEXT NOT NULL DEFAULT '',
    new_device_id TEXT NOT NULL,
    endpoint      TEXT NOT NULL DEFAULT '',
    created_at    TEXT NOT NULL DEFAULT (datetime('now','localtime'))
);
`
