package store

const schema = `
CREATE TABLE IF NOT EXISTS article_stats (
    article_id   INTEGER PRIMARY KEY,
    total_reads  INTEGER NOT NULL DEFAULT 0 CHECK (total_reads >= 0),
    user_count   INTEGER NOT NULL DEFAULT 0 CHECK (user_count >= 0),
    last_updated DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_article_stats_total_reads ON article_stats(total_reads);

CREATE TABLE IF NOT EXISTS user_reads (
    id          INTEGER PRIMARY KEY AUTOINCREMENT,
    article_id  INTEGER NOT NULL REFERENCES article_stats(article_id) ON DELETE CASCADE,
    user_id     TEXT NOT NULL,
    read_count  INTEGER NOT NULL DEFAULT 1 CHECK (read_count >= 0),
    last_read   DATETIME NOT NULL,
    UNIQUE(article_id, user_id)
);

CREATE INDEX IF NOT EXISTS idx_user_reads_user ON user_reads(user_id);
`
