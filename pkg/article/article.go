package article

import (
	"errors"
	"fmt"
	"time"
)

// Source identifies which storage tier answered a stats query.
type Source string

const (
	SourceCache    Source = "cache"
	SourceDatabase Source = "database"
	SourceDefault  Source = "default"
)

// Anonymous is the identity used when no caller identity can be resolved.
const Anonymous = "anonymous"

// MaxUserIDLen matches the width of the user_id column.
const MaxUserIDLen = 128

// ErrInvalidIdentifier is returned for malformed article or user identifiers.
var ErrInvalidIdentifier = errors.New("invalid identifier")

// Stats is the durable aggregate for one article.
type Stats struct {
	ArticleID   int64     `json:"article_id" db:"article_id"`
	TotalReads  int64     `json:"total_reads" db:"total_reads"`
	UserCount   int64     `json:"user_count" db:"user_count"`
	LastUpdated time.Time `json:"last_updated" db:"last_updated"`
}

// UserRead is the durable per-user read count for one article.
type UserRead struct {
	ID        int64     `json:"id" db:"id"`
	ArticleID int64     `json:"article_id" db:"article_id"`
	UserID    string    `json:"user_id" db:"user_id"`
	ReadCount int64     `json:"read_count" db:"read_count"`
	LastRead  time.Time `json:"last_read" db:"last_read"`
}

// ValidateArticleID rejects non-positive article ids.
func ValidateArticleID(id int64) error {
	if id <= 0 {
		return fmt.Errorf("%w: article id %d must be positive", ErrInvalidIdentifier, id)
	}
	return nil
}

// ValidateUserID rejects empty or oversized user ids.
func ValidateUserID(userID string) error {
	if userID == "" {
		return fmt.Errorf("%w: empty user id", ErrInvalidIdentifier)
	}
	if len(userID) > MaxUserIDLen {
		return fmt.Errorf("%w: user id longer than %d bytes", ErrInvalidIdentifier, MaxUserIDLen)
	}
	return nil
}

// Validate checks both halves of a read event key.
func Validate(articleID int64, userID string) error {
	if err := ValidateArticleID(articleID); err != nil {
		return err
	}
	return ValidateUserID(userID)
}
