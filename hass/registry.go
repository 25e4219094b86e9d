package hass

import (
	"context"
	"fmt"
)

// RegistryLister lists the entity registry. Implemented by Client.
type RegistryLister interface {
	EntityRegistry(ctx context.Context) ([]RegistryEntry, error)
}

// Registry resolves entity references, which are either entity IDs or entity
// registry IDs, to entity IDs.
type Registry struct {
	lister RegistryLister
}

func NewRegistry(lister RegistryLister) *Registry {
	return &Registry{lister: lister}
}

// ResolveEntityID returns ref unchanged when it is a valid entity ID. Otherwise ref
// is looked up as a registry ID.
func (r *Registry) ResolveEntityID(ctx context.Context, ref string) (string, error) {
	if ValidEntityID(ref) {
		return ref, nil
	}

	entries, err := r.lister.EntityRegistry(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to list entity registry: %w", err)
	}

	for _, e := range entries {
		if e.ID == ref {
			return e.EntityID, nil
		}
	}

	return "", fmt.Errorf("%w: %s", ErrUnknownEntity, ref)
}
