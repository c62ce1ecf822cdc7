// SQLStore persists values in sqlite, so a node restart does not drop
// everything it was asked to hold.

package dht

import (
	"database/sql"
	"time"

	_ "github.com/mattn/go-sqlite3"
	log "github.com/sirupsen/logrus"
)

type SQLStore struct {
	conn *sql.DB
	ttl  time.Duration

	stmtPut    *sql.Stmt
	stmtGet    *sql.Stmt
	stmtDelete *sql.Stmt
	stmtLen    *sql.Stmt
}

// NewSQLStore opens (or creates) a sqlite value store at path. A ttl of
// zero disables expiry.
func NewSQLStore(path string, ttl time.Duration) (*SQLStore, error) {
	var err error

	ret := &SQLStore{ttl: ttl}

	ret.conn, err = sql.Open("sqlite3", path)

	if err != nil {
		return nil, err
	}

	_, err = ret.conn.Exec(sqlCreateValuesTable)

	if err != nil {
		return nil, err
	}

	// prepare all the SQL we will be needing
	ret.stmtPut, err = ret.conn.Prepare(sqlPutValue)

	if err != nil {
		return nil, err
	}

	ret.stmtGet, err = ret.conn.Prepare(sqlGetValue)

	if err != nil {
		return nil, err
	}

	ret.stmtDelete, err = ret.conn.Prepare(sqlDeleteValue)

	if err != nil {
		return nil, err
	}

	ret.stmtLen, err = ret.conn.Prepare(sqlValueLen)

	if err != nil {
		return nil, err
	}

	return ret, nil
}

func (s *SQLStore) Put(id ID, value []byte, now time.Time) error {
	_, err := s.stmtPut.Exec(id.Raw, value, now.UnixNano())

	return err
}

func (s *SQLStore) Get(id ID, now time.Time) ([]byte, bool) {
	var value []byte
	var storedAt int64

	row := s.stmtGet.QueryRow(id.Raw)
	err := row.Scan(&value, &storedAt)

	if err == sql.ErrNoRows {
		return nil, false
	}

	if err != nil {
		log.WithField("key", id.String()).Error("Value store read failed: ", err.Error())
		return nil, false
	}

	if s.ttl > 0 && now.Sub(time.Unix(0, storedAt)) > s.ttl {
		_, err = s.stmtDelete.Exec(id.Raw)

		if err != nil {
			log.WithField("key", id.String()).Error("Value store expiry failed: ", err.Error())
		}

		return nil, false
	}

	return value, true
}

// Len is the number of stored values, including any not yet expired.
func (s *SQLStore) Len() (int, error) {
	var length int

	row := s.stmtLen.QueryRow()
	err := row.Scan(&length)

	if err != nil {
		return -1, err
	}

	return length, nil
}

func (s *SQLStore) Close() error {
	return s.conn.Close()
}
