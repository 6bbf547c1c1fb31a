package store

import (
	"context"
	"fmt"

	"github.com/goatkit/walletplug/internal/plugin"
)

// Store is an enablement store that owns a connection.
type Store interface {
	plugin.EnablementStore
	Close() error
}

type memoryStore struct{ *plugin.MemoryStore }

func (memoryStore) Close() error { return nil }

// Open selects a backend by driver name: "memory", "bolt" (dsn is the file
// path) or any registered database/sql driver.
func Open(ctx context.Context, driver, dsn string) (Store, error) {
	switch driver {
	case "", "memory":
		return memoryStore{plugin.NewMemoryStore()}, nil
	case "bolt":
		if dsn == "" {
			return nil, fmt.Errorf("bolt store: empty path")
		}
		return OpenBolt(dsn)
	default:
		return OpenSQL(ctx, driver, dsn)
	}
}
