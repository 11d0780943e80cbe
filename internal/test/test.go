// Helpers shared by package tests: throwaway encrypted databases and their cleanup.
package test

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/meow-io/go-inbox/clock"
	"github.com/meow-io/go-inbox/config"
	db "github.com/meow-io/go-inbox/internal/db"
	"github.com/meow-io/go-inbox/ids"
)

var key = []byte{0, 1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16, 17, 18, 19, 20, 21, 22, 23, 24, 25, 26, 27, 28, 29, 30, 31}

// DeleteAll removes every file or directory matching glob.
func DeleteAll(glob string) {
	files, err := filepath.Glob(glob)
	if err != nil {
		panic(err)
	}
	for _, f := range files {
		if err := os.RemoveAll(f); err != nil {
			panic(err)
		}
	}
}

// DBCleanup wraps m.Run in TestMain, removing the databases the tests left behind.
func DBCleanup(run func() int) int {
	c := run()
	DeleteAll("test-*")
	DeleteAll("*-journal")
	return c
}

func NewTestDatabase(c *config.Config) *db.Database {
	return NewTestDatabaseWithClock(c, clock.NewSystemClock())
}

// NewTestDatabaseWithClock returns an open database in the working directory stamped by cl.
func NewTestDatabaseWithClock(c *config.Config, cl clock.Clock) *db.Database {
	id := ids.NewID()
	d, err := db.NewDatabase(c, cl, fmt.Sprintf("test-%x", id[:]))
	if err != nil {
		panic(err)
	}
	if err := d.Initialize(key); err != nil {
		panic(err)
	}
	if err := d.Open(key); err != nil {
		panic(err)
	}
	return d
}
