// Package adapters holds the production registration table. It is the only
// package that imports every concrete backend, so the core packages stay free
// of driver dependencies.
package adapters

import (
	"database/sql"
	"fmt"
	"slices"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/vectorrouter/internal/backend"
	"github.com/fyrsmithlabs/vectorrouter/internal/backend/chromem"
	"github.com/fyrsmithlabs/vectorrouter/internal/backend/mock"
	"github.com/fyrsmithlabs/vectorrouter/internal/backend/qdrant"
	"github.com/fyrsmithlabs/vectorrouter/internal/backend/sqlite"
)

// Registrations returns one entry per adapter compiled into this binary.
// Chroma and pgvector have no adapter and resolve to Unavailable.
func Registrations() []backend.Registration {
	return []backend.Registration{
		{Kind: backend.KindQdrant, Factory: qdrant.New},
		{Kind: backend.KindChromem, Factory: chromem.New},
		{Kind: backend.KindSQLite, Factory: sqlite.New, Probe: probeSQLDriver(sqlite.DriverName)},
		{Kind: backend.KindMock, Factory: mock.New},
	}
}

// NewRegistry builds a registry from Registrations.
func NewRegistry(logger *zap.Logger) *backend.Registry {
	return backend.NewRegistry(logger, Registrations()...)
}

func probeSQLDriver(name string) backend.Probe {
	return func() error {
		if !slices.Contains(sql.Drivers(), name) {
			return fmt.Errorf("database/sql driver %q not registered", name)
		}
		return nil
	}
}
