package database

import (
	"database/sql"
	"time"

	"github.com/uptrace/bun"
)

// Hash represents a row in the hash table. A row exists for every identifier
// ever generated; Available tells whether it may still be handed out.
type Hash struct {
	bun.BaseModel `bun:"table:hash"`

	Hash string `bun:"hash,pk"`

	// Available is nullable because rows written before the column was
	// introduced carry NULL, which reads as available.
	Available sql.NullBool `bun:"available"`
}

// IsAvailable reports whether the row may be claimed. NULL counts as
// available for backward compatibility with rows that predate the column.
func (h Hash) IsAvailable() bool {
	return !h.Available.Valid || h.Available.Bool
}

// URL represents a row in the url table mapping an identifier to its long
// URL.
type URL struct {
	bun.BaseModel `bun:"table:url"`

	Hash      string    `bun:"hash,pk"`
	URL       string    `bun:"url,notnull"`
	CreatedAt time.Time `bun:"created_at,notnull,nullzero,default:current_timestamp"`
}
