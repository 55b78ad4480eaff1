package model

import (
	"errors"
	"fmt"
	"maps"
	"strings"
	"time"
)

// MaxMediaItems is the hard cap on media references per entity.
const MaxMediaItems = 10

// ErrInvalid reports an entity or update that fails validation.
var ErrInvalid = errors.New("invalid entity")

// Availability is the administrative state of a listing or storage unit.
type Availability string

const (
	Available   Availability = "available"
	Occupied    Availability = "occupied"
	Maintenance Availability = "maintenance"
	Sold        Availability = "sold"
)

// ParseAvailability accepts the canonical states plus the aliases used by
// older seed data ("reserved", "under-maintenance", "closed").
func ParseAvailability(s string) (Availability, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "available":
		return Available, nil
	case "occupied", "reserved":
		return Occupied, nil
	case "maintenance", "under-maintenance", "under_maintenance":
		return Maintenance, nil
	case "sold", "closed":
		return Sold, nil
	default:
		return "", fmt.Errorf("%w: unknown availability %q", ErrInvalid, s)
	}
}

// MediaRef is an image reference: an external URL or an inline data URI.
type MediaRef string

// IsInline reports whether the reference carries the image bytes itself.
func (m MediaRef) IsInline() bool {
	return strings.HasPrefix(string(m), "data:")
}

// Entity is a listing or storage unit record.
type Entity struct {
	ID           string
	Attributes   map[string]any
	Availability Availability
	Media        []MediaRef // first element is the primary image
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Clone returns a copy that shares no mutable state with e.
func (e Entity) Clone() Entity {
	out := e
	if e.Attributes != nil {
		out.Attributes = maps.Clone(e.Attributes)
	}
	if e.Media != nil {
		out.Media = append([]MediaRef(nil), e.Media...)
	}
	return out
}

// Attr returns the named attribute, or nil when unset.
func (e Entity) Attr(name string) any {
	if e.Attributes == nil {
		return nil
	}
	return e.Attributes[name]
}

// PrimaryMedia returns the designated primary image, if any.
func (e Entity) PrimaryMedia() (MediaRef, bool) {
	if len(e.Media) == 0 {
		return "", false
	}
	return e.Media[0], true
}

// Validate checks the structural constraints every persisted entity obeys.
func Validate(e Entity) error {
	if strings.TrimSpace(e.ID) == "" {
		return fmt.Errorf("%w: missing id", ErrInvalid)
	}
	if strings.ContainsAny(e.ID, "/\\") {
		return fmt.Errorf("%w: id %q contains a path separator", ErrInvalid, e.ID)
	}
	if _, err := ParseAvailability(string(e.Availability)); err != nil {
		return err
	}
	if len(e.Media) > MaxMediaItems {
		return fmt.Errorf("%w: %d media items exceeds the limit of %d", ErrInvalid, len(e.Media), MaxMediaItems)
	}
	for i, m := range e.Media {
		if strings.TrimSpace(string(m)) == "" {
			return fmt.Errorf("%w: media item %d is empty", ErrInvalid, i)
		}
	}
	if !e.CreatedAt.IsZero() && !e.UpdatedAt.IsZero() && e.UpdatedAt.Before(e.CreatedAt) {
		return fmt.Errorf("%w: updatedAt precedes createdAt", ErrInvalid)
	}
	return nil
}

// SortNewestFirst orders entities by creation time, most recent first.
// Ties keep a stable order by id.
func SortNewestFirst(entities []Entity) {
	sortByCreated(entities, func(e Entity) (time.Time, string) { return e.CreatedAt, e.ID })
}
