// Package engine implements DatabaseCore (spec.md §4.8, C9): the
// top-level object that validates a schema, opens the underlying store,
// wires together the foreign-key engine, relation resolver, and every
// collection's facade, and exposes the explicit multi-collection
// transaction entry point.
package engine

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/cuemby/relaydb/pkg/collection"
	"github.com/cuemby/relaydb/pkg/dberrors"
	"github.com/cuemby/relaydb/pkg/fkey"
	"github.com/cuemby/relaydb/pkg/kvstore"
	"github.com/cuemby/relaydb/pkg/relation"
	"github.com/cuemby/relaydb/pkg/rlog"
	"github.com/cuemby/relaydb/pkg/schema"
	"github.com/cuemby/relaydb/pkg/selector"
	"github.com/cuemby/relaydb/pkg/task"
	"github.com/cuemby/relaydb/pkg/txn"
)

// UpgradeFunc runs once, inside the upgrade transaction, whenever the
// store's on-disk version is below the version Config requests.
type UpgradeFunc func(uc *UpgradeContext, oldVersion, newVersion uint64) error

// ErrorSink receives schema-validation and initialization failures
// (spec.md §4.8's "user-provided error sink").
type ErrorSink func(error)

// Config describes one database's schema and open parameters.
type Config struct {
	Path        string
	Version     uint64
	Collections []schema.CollectionDescriptor
	Relations   []schema.RelationDescriptor
	Selectors   []schema.SelectorDescriptor
	OnUpgrade   UpgradeFunc
	ErrorSink   ErrorSink
}

// Database is a fully wired DatabaseCore: one Registry, one ForeignKeyEngine,
// one RelationResolver, one TransactionCoordinator, and one Facade per
// declared collection, all sharing the same underlying kvstore.Capability.
type Database struct {
	name     string
	cap      kvstore.Capability
	cfg      Config
	registry *collection.Registry
	fk       *fkey.Engine
	rel      *relation.Resolver
	coord    *txn.Coordinator
	facades  map[string]*collection.Facade
	sel      *selector.Engine
	logger   zerolog.Logger
}

// Open validates cfg's schema and constructs a Database. The underlying
// store is not actually opened yet — that happens lazily, on the first
// operation any facade runs (spec.md §3's "opens the store lazily on
// first use").
func Open(name string, cap kvstore.Capability, cfg Config) (*Database, error) {
	if err := schema.Validate(cfg.Collections); err != nil {
		if cfg.ErrorSink != nil {
			cfg.ErrorSink(err)
		}
		return nil, err
	}

	registry := collection.NewRegistry(cfg.Collections)
	fkEngine := fkey.New(cfg.Collections)
	relResolver := relation.New(cfg.Relations)

	relFields := make(map[string]map[string]bool)
	for _, r := range cfg.Relations {
		if relFields[r.From] == nil {
			relFields[r.From] = make(map[string]bool)
		}
		relFields[r.From][r.Name] = true
	}

	storeNames := make([]string, len(cfg.Collections))
	for i, c := range cfg.Collections {
		storeNames[i] = c.Name
	}

	db := &Database{
		name:     name,
		cap:      cap,
		cfg:      cfg,
		registry: registry,
		fk:       fkEngine,
		rel:      relResolver,
		facades:  make(map[string]*collection.Facade, len(cfg.Collections)),
		logger:   rlog.WithComponent("engine"),
	}
	db.coord = txn.New(cap, storeNames, func() error {
		return cap.Open(cfg.Path, cfg.Version, db.upgrade)
	})

	for _, c := range cfg.Collections {
		db.facades[c.Name] = collection.NewFacade(c, registry, db.coord, fkEngine, relResolver, relFields[c.Name], nil)
	}
	db.sel = selector.New(cfg.Selectors, db.facades, db.coord)

	return db, nil
}

// Name returns the database's configured name, used as its cross-tab
// broadcast channel name by pkg/tabsync.
func (db *Database) Name() string { return db.name }

// Collection resolves one collection's facade by name.
func (db *Database) Collection(name string) (*collection.Facade, bool) {
	f, ok := db.facades[name]
	return f, ok
}

// Facades returns every collection's facade, keyed by name. Used by the
// tab coordinator to dispatch relayed events and by upgrade callbacks.
func (db *Database) Facades() map[string]*collection.Facade {
	return db.facades
}

// Selector resolves one declared selector by name.
func (db *Database) Selector(name string) (*selector.Selector, bool) {
	return db.sel.Selector(name)
}

// SetTabPublisher wires tab as the cross-tab relay target for every
// facade's event emitter.
func (db *Database) SetTabPublisher(tab collection.TabPublisher) {
	for _, f := range db.facades {
		f.Emitter().SetTabPublisher(tab)
	}
}

// upgrade runs inside the capability's upgrade transaction: it creates
// any collection store that does not yet exist (CreateObjectStore is
// idempotent, so this is safe to run on every open, not only the first),
// then defers to the user's OnUpgrade callback, if configured.
func (db *Database) upgrade(tx kvstore.SchemaTx, oldVersion, newVersion uint64) error {
	for _, c := range db.cfg.Collections {
		spec := kvstore.StoreSpec{
			Name:          c.Name,
			KeyFields:     c.KeyPath,
			AutoIncrement: c.IDMode == schema.AutoIncrement,
		}
		for _, ix := range c.Indexes {
			spec.Indexes = append(spec.Indexes, kvstore.IndexSpec{
				Name: ix.Name, Fields: ix.Key, Unique: ix.Unique, MultiEntry: ix.MultiEntry,
			})
		}
		if err := tx.CreateObjectStore(spec); err != nil {
			return dberrors.Wrap(dberrors.StoreError, err, "create store %q", c.Name)
		}
	}

	if db.cfg.OnUpgrade == nil {
		return nil
	}

	tc := task.New(tx, kvstore.ReadWrite)
	ctx := txn.WithAmbient(context.Background(), tc)
	uc := &UpgradeContext{ctx: ctx, tx: tx, db: db}
	return db.cfg.OnUpgrade(uc, oldVersion, newVersion)
}

// Transaction opens one transaction spanning every declared store and
// runs fn against it; every facade call fn makes through the ctx it is
// handed reuses that same transaction (spec.md §4.8, I5). A returned
// error aborts the transaction; success commits it.
func (db *Database) Transaction(ctx context.Context, fn func(ctx context.Context) error) error {
	_, err := txn.RunTransaction(ctx, db.coord, kvstore.ReadWrite, func(ctx context.Context, _ *task.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

// ReadTransaction is Transaction opened read-only.
func (db *Database) ReadTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	_, err := txn.RunTransaction(ctx, db.coord, kvstore.ReadOnly, func(ctx context.Context, _ *task.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

// Close releases the underlying capability.
func (db *Database) Close() error {
	return db.cap.Close()
}
