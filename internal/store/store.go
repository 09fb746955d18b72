package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/elonfeng/readtrack/pkg/article"
	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when an article has no durable stats row.
var ErrNotFound = errors.New("not found")

// IncrementResult reports the row state after a direct durable increment.
type IncrementResult struct {
	Stats     article.Stats
	ReadCount int64
	NewUser   bool
}

// Snapshot is a set of cache counter values to reconcile into durable storage.
// Invalid fields were absent from the cache.
type Snapshot struct {
	ArticleID  int64
	UserID     string
	TotalReads sql.NullInt64
	UserCount  sql.NullInt64
	ReadCount  sql.NullInt64
}

// Baseline is the durable state of one (article, user) pair. Missing rows
// read as zero.
type Baseline struct {
	TotalReads int64 `db:"total_reads"`
	UserCount  int64 `db:"user_count"`
	ReadCount  int64 `db:"read_count"`
}

// ApplyResult reports which rows a reconciliation actually changed.
type ApplyResult struct {
	StatsChanged    bool
	UserReadChanged bool
}

// Store is the persistence interface.
type Store interface {
	IncrementRead(ctx context.Context, articleID int64, userID string) (IncrementResult, error)
	ApplySnapshot(ctx context.Context, snap Snapshot) (ApplyResult, error)

	Baseline(ctx context.Context, articleID int64, userID string) (Baseline, error)
	GetArticleStats(ctx context.Context, articleID int64) (*article.Stats, error)
	GetUserRead(ctx context.Context, articleID int64, userID string) (*article.UserRead, error)
	Distribution(ctx context.Context, articleID int64) (map[string]int64, error)
	AllDistribution(ctx context.Context) (map[string]int64, error)
	SumTotalReads(ctx context.Context) (int64, error)
	CountDistinctUsers(ctx context.Context) (int64, error)
	TopArticles(ctx context.Context, limit int) ([]article.Stats, error)

	Ping(ctx context.Context) error
	Close() error
}

var _ Store = (*SQLiteStore)(nil)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db  *sqlx.DB
	now func() time.Time
}

// New opens a SQLite database and runs migrations.
func New(path string) (*SQLiteStore, error) {
	dsn := path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)"
	db, err := sqlx.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	// One connection serializes the fallback and reconcile transactions.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return &SQLiteStore{db: db, now: func() time.Time { return time.Now().UTC() }}, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLiteStore) withTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// IncrementRead records one read directly in durable storage. Both rows are
// get-or-created by their unique keys and updated in a single transaction.
func (s *SQLiteStore) IncrementRead(ctx context.Context, articleID int64, userID string) (IncrementResult, error) {
	var res IncrementResult
	now := s.now()

	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		if err := ensureArticle(ctx, tx, articleID, 0, 0, now); err != nil {
			return err
		}

		ins, err := tx.ExecContext(ctx, `
			INSERT INTO user_reads (article_id, user_id, read_count, last_read)
			VALUES (?, ?, 0, ?)
			ON CONFLICT(article_id, user_id) DO NOTHING
		`, articleID, userID, now)
		if err != nil {
			return fmt.Errorf("create user read %d/%s: %w", articleID, userID, err)
		}
		created, err := ins.RowsAffected()
		if err != nil {
			return fmt.Errorf("create user read %d/%s: %w", articleID, userID, err)
		}
		res.NewUser = created == 1

		newUsers := 0
		if res.NewUser {
			newUsers = 1
		}

		if _, err := tx.ExecContext(ctx, `
			UPDATE user_reads SET read_count = read_count + 1, last_read = ?
			WHERE article_id = ? AND user_id = ?
		`, now, articleID, userID); err != nil {
			return fmt.Errorf("increment user read %d/%s: %w", articleID, userID, err)
		}

		if _, err := tx.ExecContext(ctx, `
			UPDATE article_stats
			SET total_reads = total_reads + 1, user_count = user_count + ?, last_updated = ?
			WHERE article_id = ?
		`, newUsers, now, articleID); err != nil {
			return fmt.Errorf("increment article stats %d: %w", articleID, err)
		}

		if err := tx.GetContext(ctx, &res.Stats, "SELECT * FROM article_stats WHERE article_id = ?", articleID); err != nil {
			return fmt.Errorf("get article stats %d: %w", articleID, err)
		}
		if err := tx.GetContext(ctx, &res.ReadCount,
			"SELECT read_count FROM user_reads WHERE article_id = ? AND user_id = ?", articleID, userID); err != nil {
			return fmt.Errorf("get user read %d/%s: %w", articleID, userID, err)
		}
		return nil
	})
	if err != nil {
		return IncrementResult{}, err
	}
	return res, nil
}

// ApplySnapshot overwrites durable counters with cache values, last writer wins.
// Rows whose values already match are left untouched.
func (s *SQLiteStore) ApplySnapshot(ctx context.Context, snap Snapshot) (ApplyResult, error) {
	var res ApplyResult
	now := s.now()

	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		created, err := insertArticle(ctx, tx, snap.ArticleID, snap.TotalReads.Int64, snap.UserCount.Int64, now)
		if err != nil {
			return err
		}

		if created {
			res.StatsChanged = true
		} else {
			var cur article.Stats
			if err := tx.GetContext(ctx, &cur, "SELECT * FROM article_stats WHERE article_id = ?", snap.ArticleID); err != nil {
				return fmt.Errorf("get article stats %d: %w", snap.ArticleID, err)
			}
			total, users := cur.TotalReads, cur.UserCount
			if snap.TotalReads.Valid {
				total = snap.TotalReads.Int64
			}
			if snap.UserCount.Valid {
				users = snap.UserCount.Int64
			}
			if total != cur.TotalReads || users != cur.UserCount {
				if _, err := tx.ExecContext(ctx, `
					UPDATE article_stats SET total_reads = ?, user_count = ?, last_updated = ?
					WHERE article_id = ?
				`, total, users, now, snap.ArticleID); err != nil {
					return fmt.Errorf("update article stats %d: %w", snap.ArticleID, err)
				}
				res.StatsChanged = true
			}
		}

		readCount := int64(1)
		if snap.ReadCount.Valid && snap.ReadCount.Int64 > 0 {
			readCount = snap.ReadCount.Int64
		}

		ins, err := tx.ExecContext(ctx, `
			INSERT INTO user_reads (article_id, user_id, read_count, last_read)
			VALUES (?, ?, ?, ?)
			ON CONFLICT(article_id, user_id) DO NOTHING
		`, snap.ArticleID, snap.UserID, readCount, now)
		if err != nil {
			return fmt.Errorf("create user read %d/%s: %w", snap.ArticleID, snap.UserID, err)
		}
		n, err := ins.RowsAffected()
		if err != nil {
			return fmt.Errorf("create user read %d/%s: %w", snap.ArticleID, snap.UserID, err)
		}
		if n == 1 {
			res.UserReadChanged = true
			return nil
		}

		if !snap.ReadCount.Valid || snap.ReadCount.Int64 <= 0 {
			return nil
		}
		upd, err := tx.ExecContext(ctx, `
			UPDATE user_reads SET read_count = ?, last_read = ?
			WHERE article_id = ? AND user_id = ? AND read_count != ?
		`, readCount, now, snap.ArticleID, snap.UserID, readCount)
		if err != nil {
			return fmt.Errorf("update user read %d/%s: %w", snap.ArticleID, snap.UserID, err)
		}
		if n, err := upd.RowsAffected(); err == nil && n > 0 {
			res.UserReadChanged = true
		}
		return nil
	})
	if err != nil {
		return ApplyResult{}, err
	}
	return res, nil
}

func ensureArticle(ctx context.Context, tx *sqlx.Tx, articleID, totalReads, userCount int64, now time.Time) error {
	_, err := insertArticle(ctx, tx, articleID, totalReads, userCount, now)
	return err
}

// insertArticle creates the stats row unless it already exists and reports
// whether it did.
func insertArticle(ctx context.Context, tx *sqlx.Tx, articleID, totalReads, userCount int64, now time.Time) (bool, error) {
	res, err := tx.ExecContext(ctx, `
		INSERT INTO article_stats (article_id, total_reads, user_count, last_updated)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(article_id) DO NOTHING
	`, articleID, totalReads, userCount, now)
	if err != nil {
		return false, fmt.Errorf("create article stats %d: %w", articleID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("create article stats %d: %w", articleID, err)
	}
	return n == 1, nil
}

// Baseline reads the article stats row and the user's read row in one query.
func (s *SQLiteStore) Baseline(ctx context.Context, articleID int64, userID string) (Baseline, error) {
	var b Baseline
	err := s.db.GetContext(ctx, &b, `
		SELECT
			COALESCE((SELECT total_reads FROM article_stats WHERE article_id = ?), 0) AS total_reads,
			COALESCE((SELECT user_count FROM article_stats WHERE article_id = ?), 0) AS user_count,
			COALESCE((SELECT read_count FROM user_reads WHERE article_id = ? AND user_id = ?), 0) AS read_count
	`, articleID, articleID, articleID, userID)
	if err != nil {
		return Baseline{}, fmt.Errorf("get baseline %d/%s: %w", articleID, userID, err)
	}
	return b, nil
}

func (s *SQLiteStore) GetArticleStats(ctx context.Context, articleID int64) (*article.Stats, error) {
	var st article.Stats
	err := s.db.GetContext(ctx, &st, "SELECT * FROM article_stats WHERE article_id = ?", articleID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("get article stats %d: %w", articleID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get article stats %d: %w", articleID, err)
	}
	return &st, nil
}

func (s *SQLiteStore) GetUserRead(ctx context.Context, articleID int64, userID string) (*article.UserRead, error) {
	var ur article.UserRead
	err := s.db.GetContext(ctx, &ur,
		"SELECT * FROM user_reads WHERE article_id = ? AND user_id = ?", articleID, userID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("get user read %d/%s: %w", articleID, userID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get user read %d/%s: %w", articleID, userID, err)
	}
	return &ur, nil
}

func (s *SQLiteStore) Distribution(ctx context.Context, articleID int64) (map[string]int64, error) {
	rows, err := s.db.QueryxContext(ctx,
		"SELECT user_id, read_count FROM user_reads WHERE article_id = ?", articleID)
	if err != nil {
		return nil, fmt.Errorf("distribution %d: %w", articleID, err)
	}
	return scanDistribution(rows)
}

// AllDistribution sums read counts per user across every article.
func (s *SQLiteStore) AllDistribution(ctx context.Context) (map[string]int64, error) {
	rows, err := s.db.QueryxContext(ctx,
		"SELECT user_id, SUM(read_count) FROM user_reads GROUP BY user_id")
	if err != nil {
		return nil, fmt.Errorf("all distribution: %w", err)
	}
	return scanDistribution(rows)
}

func scanDistribution(rows *sqlx.Rows) (map[string]int64, error) {
	defer rows.Close()

	dist := make(map[string]int64)
	for rows.Next() {
		var userID string
		var count int64
		if err := rows.Scan(&userID, &count); err != nil {
			return nil, err
		}
		dist[userID] = count
	}
	return dist, rows.Err()
}

func (s *SQLiteStore) SumTotalReads(ctx context.Context) (int64, error) {
	var total int64
	if err := s.db.GetContext(ctx, &total, "SELECT COALESCE(SUM(total_reads), 0) FROM article_stats"); err != nil {
		return 0, fmt.Errorf("sum total reads: %w", err)
	}
	return total, nil
}

func (s *SQLiteStore) CountDistinctUsers(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.GetContext(ctx, &n, "SELECT COUNT(DISTINCT user_id) FROM user_reads"); err != nil {
		return 0, fmt.Errorf("count distinct users: %w", err)
	}
	return n, nil
}

func (s *SQLiteStore) TopArticles(ctx context.Context, limit int) ([]article.Stats, error) {
	if limit <= 0 {
		limit = 10
	}

	var top []article.Stats
	err := s.db.SelectContext(ctx, &top, `
		SELECT * FROM article_stats
		WHERE total_reads > 0
		ORDER BY total_reads DESC, article_id ASC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("top articles: %w", err)
	}
	return top, nil
}
