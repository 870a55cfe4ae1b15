// Package datasource adapts external query back-ends to the one thing the
// scheduler consumes: a tabular result with named, string-coercible columns.
package datasource

import (
	"context"
	"fmt"

	"github.com/waypointops/cutoverd/internal/runbook"
)

// Table is a tabular query result. Cell values are strings or null.
type Table struct {
	Columns []string
	Rows    []map[string]*string
}

type Source interface {
	Query(ctx context.Context, ds runbook.DataSourceSpec) (*Table, error)
}

// ConnectionConfig locates one named back-end connection.
type ConnectionConfig struct {
	BaseURL string
	Token   string
}

// Registry picks the adapter for a runbook's declared data-source type.
type Registry struct {
	warehouse Source
	business  Source
}

func NewRegistry(warehouse, business Source) *Registry {
	return &Registry{warehouse: warehouse, business: business}
}

func (r *Registry) Query(ctx context.Context, ds runbook.DataSourceSpec) (*Table, error) {
	switch ds.Type {
	case runbook.DataSourceTypeWarehouse:
		if r.warehouse == nil {
			return nil, fmt.Errorf("no warehouse data source configured")
		}
		return r.warehouse.Query(ctx, ds)
	case runbook.DataSourceTypeBusinessDB:
		if r.business == nil {
			return nil, fmt.Errorf("no business_db data source configured")
		}
		return r.business.Query(ctx, ds)
	}
	return nil, fmt.Errorf("unknown data source type %q", ds.Type)
}
