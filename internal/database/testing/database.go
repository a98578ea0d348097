// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package testing

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"

	"github.com/juju/testing"
	jc "github.com/juju/testing/checkers"
	gc "gopkg.in/check.v1"

	"github.com/juju/cdc/internal/database"
)

// SQLiteSuite provides a freshly created sqlite database, with the schema
// applied, for each test.
type SQLiteSuite struct {
	testing.IsolationSuite

	db   *database.DB
	path string
}

// SetUpTest opens a new database in a temporary directory.
func (s *SQLiteSuite) SetUpTest(c *gc.C) {
	s.IsolationSuite.SetUpTest(c)

	s.path = filepath.Join(c.MkDir(), "cdc.db")
	db, err := database.Open(context.Background(), s.path)
	c.Assert(err, jc.ErrorIsNil)
	s.db = db
}

// TearDownTest closes the database.
func (s *SQLiteSuite) TearDownTest(c *gc.C) {
	if s.db != nil {
		c.Check(s.db.Close(), jc.ErrorIsNil)
		s.db = nil
	}
	s.IsolationSuite.TearDownTest(c)
}

// DB returns the database for the current test.
func (s *SQLiteSuite) DB() *database.DB {
	return s.db
}

// Path returns the file path of the database for the current test.
func (s *SQLiteSuite) Path() string {
	return s.path
}

// CountRows returns the number of rows in the given table.
func CountRows(c *gc.C, db *sql.DB, table string) int {
	var n int
	err := db.QueryRow(fmt.Sprintf("SELECT COUNT(*) FROM %q", table)).Scan(&n)
	c.Assert(err, jc.ErrorIsNil)
	return n
}
