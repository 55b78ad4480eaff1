package propsync

import (
	"slices"

	"propsync/internal/model"
)

// Kind describes one synchronised entity type.
type Kind struct {
	// Name is the short name used on the command line and in URLs.
	Name string
	// Collection is the remote collection holding the documents.
	Collection string
	// Namespace is the local cache key holding the mirrored collection.
	Namespace string
	// PriceField is the attribute reconciled alongside availability.
	PriceField string
	// Defaults is the bundled dataset: last-resort fallback and the source
	// of truth for availability and price.
	Defaults []model.Entity
	// DeprecatedIDs are removed from the remote store on reconciliation.
	DeprecatedIDs []string
}

// DefaultEntities returns a deep copy of the bundled dataset, newest first.
func (k Kind) DefaultEntities() []model.Entity {
	out := make([]model.Entity, 0, len(k.Defaults))
	for _, e := range k.Defaults {
		out = append(out, e.Clone())
	}
	model.SortNewestFirst(out)
	return out
}

// IsDeprecated reports whether id is a retired demo id.
func (k Kind) IsDeprecated(id string) bool {
	return slices.Contains(k.DeprecatedIDs, id)
}

func (k Kind) findDefault(id string) (model.Entity, bool) {
	for _, e := range k.Defaults {
		if e.ID == id {
			return e.Clone(), true
		}
	}
	return model.Entity{}, false
}
