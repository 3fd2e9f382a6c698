package sqlshard

import (
	"database/sql"
	"strings"
	"sync"

	"github.com/mattn/go-sqlite3"

	"github.com/chatlogstore/chatlog/internal/chatdb/criteria"
)

// DriverName is the sqlite3 driver with the text functions criteria fragments use.
const DriverName = "sqlite3_chatlog"

var registerOnce sync.Once

func registerDriver() {
	registerOnce.Do(func() {
		sql.Register(DriverName, &sqlite3.SQLiteDriver{
			ConnectHook: func(conn *sqlite3.SQLiteConn) error {
				if err := conn.RegisterFunc("contains_fold", containsFold, true); err != nil {
					return err
				}
				return conn.RegisterFunc("equal_fold", equalFold, true)
			},
		})
	})
}

func containsFold(s, substr string) int64 {
	if criteria.ContainsFold(s, substr) {
		return 1
	}
	return 0
}

func equalFold(a, b string) int64 {
	if strings.EqualFold(a, b) {
		return 1
	}
	return 0
}
