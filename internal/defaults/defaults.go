// Package defaults holds the bundled datasets that back every entity kind
// when neither the remote store nor the local cache can answer.
package defaults

import (
	"embed"
	"fmt"

	"gopkg.in/yaml.v3"

	"propsync/internal/model"
	"propsync/internal/propsync"
)

//go:embed data/*.yaml
var dataFS embed.FS

type dataset struct {
	DeprecatedIDs []string     `yaml:"deprecated_ids"`
	Entities      []seedEntity `yaml:"entities"`
}

type seedEntity struct {
	ID           string         `yaml:"id"`
	Availability string         `yaml:"availability"`
	CreatedAt    string         `yaml:"created_at"`
	UpdatedAt    string         `yaml:"updated_at"`
	Media        []string       `yaml:"media"`
	Attributes   map[string]any `yaml:"attributes"`
}

// Listings returns the property listing kind.
func Listings() (propsync.Kind, error) {
	return load("listings", "data/listings.yaml", propsync.Kind{
		Name:       "listings",
		Collection: "listings",
		Namespace:  "propsync.listings",
		PriceField: "price",
	})
}

// Units returns the storage unit kind.
func Units() (propsync.Kind, error) {
	return load("units", "data/units.yaml", propsync.Kind{
		Name:       "units",
		Collection: "storageUnits",
		Namespace:  "propsync.units",
		PriceField: "monthlyRate",
	})
}

// All returns every bundled kind, keyed by name.
func All() (map[string]propsync.Kind, error) {
	out := make(map[string]propsync.Kind, 2)
	for _, load := range []func() (propsync.Kind, error){Listings, Units} {
		k, err := load()
		if err != nil {
			return nil, err
		}
		out[k.Name] = k
	}
	return out, nil
}

func load(name, path string, kind propsync.Kind) (propsync.Kind, error) {
	data, err := dataFS.ReadFile(path)
	if err != nil {
		return propsync.Kind{}, fmt.Errorf("reading %s defaults: %w", name, err)
	}
	entities, deprecated, err := Parse(data)
	if err != nil {
		return propsync.Kind{}, fmt.Errorf("parsing %s defaults: %w", name, err)
	}
	kind.Defaults = entities
	kind.DeprecatedIDs = deprecated
	return kind, nil
}

// Parse decodes a YAML dataset. Every entity must validate; a missing
// updated_at defaults to created_at.
func Parse(data []byte) ([]model.Entity, []string, error) {
	var ds dataset
	if err := yaml.Unmarshal(data, &ds); err != nil {
		return nil, nil, fmt.Errorf("decoding yaml: %w", err)
	}

	seen := make(map[string]bool, len(ds.Entities))
	entities := make([]model.Entity, 0, len(ds.Entities))
	for i, s := range ds.Entities {
		if seen[s.ID] {
			return nil, nil, fmt.Errorf("entity %d: duplicate id %q", i, s.ID)
		}
		seen[s.ID] = true

		if s.UpdatedAt == "" {
			s.UpdatedAt = s.CreatedAt
		}
		e, err := model.FromWire(model.WireEntity{
			ID:           s.ID,
			Attributes:   s.Attributes,
			Availability: s.Availability,
			Media:        s.Media,
			CreatedAt:    s.CreatedAt,
			UpdatedAt:    s.UpdatedAt,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("entity %d: %w", i, err)
		}
		if err := model.Validate(e); err != nil {
			return nil, nil, fmt.Errorf("entity %s: %w", e.ID, err)
		}
		entities = append(entities, e)
	}
	model.SortNewestFirst(entities)
	return entities, ds.DeprecatedIDs, nil
}
