//go:build !sqlite

package storage

import "errors"

func DefaultStoreKind() string { return "memory" }

func newSQLiteStore(string) (Store, error) {
	return nil, errors.New("sqlite store requires the sqlite build tag")
}
