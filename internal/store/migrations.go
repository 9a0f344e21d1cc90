package store

const schema = `
CREATE TABLE IF NOT EXISTS items (
    id              INTEGER PRIMARY KEY,
    name            TEXT NOT NULL,
    image           TEXT,
    release_date    TEXT,
    last_fetched_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS ccu_snapshots (
    id          INTEGER PRIMARY KEY AUTOINCREMENT,
    item_id     INTEGER NOT NULL,
    ccu         INTEGER NOT NULL,
    captured_at DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_snapshots_item_captured ON ccu_snapshots(item_id, captured_at);
CREATE INDEX IF NOT EXISTS idx_snapshots_captured ON ccu_snapshots(captured_at);

CREATE TABLE IF NOT EXISTS daily_peaks (
    item_id   INTEGER NOT NULL,
    peak_date TEXT NOT NULL,
    peak_ccu  INTEGER NOT NULL,
    PRIMARY KEY (item_id, peak_date)
);

CREATE INDEX IF NOT EXISTS idx_daily_peaks_date ON daily_peaks(peak_date);

CREATE TABLE IF NOT EXISTS ranking_cache (
    item_id     INTEGER PRIMARY KEY,
    rank        INTEGER NOT NULL,
    current_ccu INTEGER NOT NULL,
    peak_24h    INTEGER NOT NULL,
    prev_ccu    INTEGER,
    updated_at  DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS record_events (
    id          INTEGER PRIMARY KEY AUTOINCREMENT,
    item_id     INTEGER NOT NULL,
    window_days INTEGER NOT NULL,
    ccu         INTEGER NOT NULL,
    record_date TEXT NOT NULL,
    recorded_at DATETIME NOT NULL,
    UNIQUE(item_id, window_days, record_date)
);

CREATE INDEX IF NOT EXISTS idx_record_events_recorded ON record_events(recorded_at);

CREATE TABLE IF NOT EXISTS news_articles (
    id           INTEGER PRIMARY KEY AUTOINCREMENT,
    item_id      INTEGER NOT NULL,
    title        TEXT NOT NULL,
    url          TEXT NOT NULL UNIQUE,
    source_name  TEXT NOT NULL,
    snippet      TEXT,
    published_at DATETIME,
    scraped_at   DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_news_scraped ON news_articles(scraped_at);
`
