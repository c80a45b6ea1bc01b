package collection

import (
	"context"

	"github.com/cuemby/relaydb/pkg/schema"
)

// ActiveRecord is a shallow wrap(record) result: the record plus Save and
// Delete convenience methods bound to the facade that produced it
// (spec.md §4.7's wrap/unwrap).
type ActiveRecord struct {
	Data   schema.Record
	facade *Facade
}

// Save persists the current Data as an update.
func (a *ActiveRecord) Save(ctx context.Context) (schema.Record, error) {
	rec, err := a.facade.Update(ctx, a.Data)
	if err != nil {
		return nil, err
	}
	a.Data = rec
	return rec, nil
}

// Delete removes the row this record currently represents.
func (a *ActiveRecord) Delete(ctx context.Context) (schema.Record, error) {
	pk, err := a.facade.registry.PKOf(a.facade.desc.Name, a.Data)
	if err != nil {
		return nil, err
	}
	return a.facade.Delete(ctx, pk)
}
