package storage

import (
	"database/sql"

	"github.com/rs/zerolog"
)

// BaseRepository provides the shared connection + logger every concrete
// repository embeds, mirroring trader-go/internal/database/repositories/base.go.
type BaseRepository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewBase wires a repository against the primary connection. Repositories
// only ever write (and reconciliation-read) through the primary; routine
// reads that can tolerate replica lag go through db.Reader() explicitly
// where a repository method documents that.
func NewBase(db *DB, log zerolog.Logger) BaseRepository {
	return BaseRepository{db: db.Primary(), log: log}
}

func (r BaseRepository) DB() *sql.DB {
	return r.db
}
