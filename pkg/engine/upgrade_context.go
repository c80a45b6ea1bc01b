package engine

import (
	"context"

	"github.com/cuemby/relaydb/pkg/collection"
	"github.com/cuemby/relaydb/pkg/kvstore"
)

// UpgradeContext is handed to a configured OnUpgrade callback: schema
// mutation primitives plus every collection's facade, bound to the same
// ambient transaction the store creation step just ran in (spec.md
// §4.8).
type UpgradeContext struct {
	ctx context.Context
	tx  kvstore.SchemaTx
	db  *Database
}

// Context returns the ambient context an OnUpgrade callback must pass to
// any facade call it makes, so those calls reuse the upgrade transaction
// instead of opening a new one.
func (u *UpgradeContext) Context() context.Context { return u.ctx }

// Facade resolves a collection's facade for use during the upgrade.
func (u *UpgradeContext) Facade(name string) (*collection.Facade, bool) {
	return u.db.Collection(name)
}

// CreateStore creates an additional object store not declared in the
// schema's Collections list (e.g. scratch state an upgrade needs).
func (u *UpgradeContext) CreateStore(name string, keyPath []string, autoIncrement bool) error {
	return u.tx.CreateObjectStore(kvstore.StoreSpec{Name: name, KeyFields: keyPath, AutoIncrement: autoIncrement})
}

// DeleteStore removes an object store entirely.
func (u *UpgradeContext) DeleteStore(name string) error {
	return u.tx.DeleteObjectStore(name)
}
