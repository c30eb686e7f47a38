// factory.go implements the object store provider registry and factory,
// mapping provider type strings (local, s3, azure, gcs) to constructor
// functions and dispatching NewObjectStore calls.
package storage

import (
	"fmt"

	"github.com/tfstate-backend/tfstate-backend/internal/config"
)

// Factory function type for creating object store providers
type FactoryFunc func(*config.Config) (ObjectStore, error)

var factories = make(map[string]FactoryFunc)

// Register registers an object store provider factory
func Register(name string, factory FactoryFunc) {
	factories[name] = factory
}

// NewObjectStore creates an object store based on configuration
func NewObjectStore(cfg *config.Config) (ObjectStore, error) {
	factory, ok := factories[cfg.Storage.DefaultProvider]
	if !ok {
		return nil, fmt.Errorf("unsupported storage provider: %s (must be 'local', 'azure', 's3', or 'gcs')", cfg.Storage.DefaultProvider)
	}

	return factory(cfg)
}
