// Package repcache maintains the persistent SHA-1 -> representation mapping
// behind rep sharing.  The database lives at db/rep-cache.db inside the
// repository and only ever grows; parallel writers are tolerated.
package repcache

import (
	"database/sql"
	"encoding/hex"

	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"

	"github.com/rcowham/svnfsfs/fsid"
	"github.com/rcowham/svnfsfs/noderev"
)

const schema = `
CREATE TABLE IF NOT EXISTS rep_cache (
	hash TEXT NOT NULL PRIMARY KEY,
	revision INTEGER NOT NULL,
	item_index INTEGER NOT NULL,
	size INTEGER NOT NULL,
	expanded_size INTEGER NOT NULL
);
`

type Cache struct {
	db *sql.DB
}

// Open opens (creating if necessary) the rep-cache database.
func Open(path string) (*Cache, error) {
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=2000")
	if err != nil {
		return nil, errors.Wrap(err, "opening rep-cache db")
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "creating rep-cache schema")
	}
	return &Cache{db: db}, nil
}

func (c *Cache) Close() error {
	return c.db.Close()
}

// Get looks up a representation by its SHA-1.  A miss returns (nil, nil).
func (c *Cache) Get(sha1 []byte) (*noderev.Rep, error) {
	row := c.db.QueryRow(
		`SELECT revision, item_index, size, expanded_size FROM rep_cache WHERE hash = ?`,
		hex.EncodeToString(sha1))
	rep := &noderev.Rep{SHA1: append([]byte(nil), sha1...)}
	var rev int64
	err := row.Scan(&rev, &rep.ItemIndex, &rep.Size, &rep.ExpandedSize)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "querying rep-cache")
	}
	rep.Rev = fsid.RevNum(rev)
	return rep, nil
}

// SetAll inserts the given representations inside a single transaction.
// Hash collisions with rows written by a parallel commit are ignored.
func (c *Cache) SetAll(reps []*noderev.Rep) error {
	tx, err := c.db.Begin()
	if err != nil {
		return errors.Wrap(err, "opening rep-cache transaction")
	}
	stmt, err := tx.Prepare(
		`INSERT OR IGNORE INTO rep_cache (hash, revision, item_index, size, expanded_size)
		 VALUES (?, ?, ?, ?, ?)`)
	if err != nil {
		tx.Rollback()
		return errors.Wrap(err, "preparing rep-cache insert")
	}
	defer stmt.Close()
	for _, rep := range reps {
		if len(rep.SHA1) == 0 {
			continue
		}
		_, err := stmt.Exec(hex.EncodeToString(rep.SHA1), int64(rep.Rev),
			rep.ItemIndex, rep.Size, rep.ExpandedSize)
		if err != nil {
			tx.Rollback()
			return errors.Wrap(err, "inserting rep-cache row")
		}
	}
	return errors.Wrap(tx.Commit(), "committing rep-cache transaction")
}
