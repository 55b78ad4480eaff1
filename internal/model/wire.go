package model

import (
	"encoding/json"
	"fmt"
	"maps"
	"slices"
	"strings"
	"time"
)

// WireTimeFormat is the timestamp layout used in every stored document:
// UTC with millisecond precision.
const WireTimeFormat = "2006-01-02T15:04:05.000Z"

// WireEntity is the JSON document form of an Entity, shared by the local
// cache and every remote backend.
type WireEntity struct {
	ID           string         `json:"id"`
	Attributes   map[string]any `json:"attributes,omitempty"`
	Availability string         `json:"availability"`
	Media        []string       `json:"media,omitempty"`
	CreatedAt    string         `json:"createdAt"`
	UpdatedAt    string         `json:"updatedAt"`
}

// FormatTime renders t in WireTimeFormat. The zero time renders as "".
func FormatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(WireTimeFormat)
}

// ParseTime parses a wire timestamp. Any RFC 3339 timestamp is accepted;
// the result is truncated to millisecond precision in UTC.
func ParseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parsing timestamp %q: %w", s, err)
	}
	return t.UTC().Truncate(time.Millisecond), nil
}

// ToWire converts an entity to its document form.
func ToWire(e Entity) WireEntity {
	w := WireEntity{
		ID:           e.ID,
		Availability: string(e.Availability),
		CreatedAt:    FormatTime(e.CreatedAt),
		UpdatedAt:    FormatTime(e.UpdatedAt),
	}
	if len(e.Attributes) > 0 {
		w.Attributes = maps.Clone(e.Attributes)
	}
	for _, m := range e.Media {
		w.Media = append(w.Media, string(m))
	}
	return w
}

// FromWire converts a document back to an entity, rehydrating timestamps and
// normalising availability aliases.
func FromWire(w WireEntity) (Entity, error) {
	if w.ID == "" {
		return Entity{}, fmt.Errorf("%w: document without id", ErrInvalid)
	}
	availability, err := ParseAvailability(w.Availability)
	if err != nil {
		return Entity{}, fmt.Errorf("document %s: %w", w.ID, err)
	}
	created, err := ParseTime(w.CreatedAt)
	if err != nil {
		return Entity{}, fmt.Errorf("document %s createdAt: %w", w.ID, err)
	}
	updated, err := ParseTime(w.UpdatedAt)
	if err != nil {
		return Entity{}, fmt.Errorf("document %s updatedAt: %w", w.ID, err)
	}

	e := Entity{
		ID:           w.ID,
		Availability: availability,
		CreatedAt:    created,
		UpdatedAt:    updated,
	}
	if len(w.Attributes) > 0 {
		e.Attributes = maps.Clone(w.Attributes)
	}
	for _, m := range w.Media {
		e.Media = append(e.Media, MediaRef(m))
	}
	return e, nil
}

// EncodeCollection serialises a full collection for the local cache.
func EncodeCollection(entities []Entity) ([]byte, error) {
	docs := make([]WireEntity, 0, len(entities))
	for _, e := range entities {
		docs = append(docs, ToWire(e))
	}
	data, err := json.Marshal(docs)
	if err != nil {
		return nil, fmt.Errorf("encoding collection: %w", err)
	}
	return data, nil
}

// DecodeCollection parses a collection written by EncodeCollection.
func DecodeCollection(data []byte) ([]Entity, error) {
	var docs []WireEntity
	if err := json.Unmarshal(data, &docs); err != nil {
		return nil, fmt.Errorf("decoding collection: %w", err)
	}
	out := make([]Entity, 0, len(docs))
	for _, d := range docs {
		e, err := FromWire(d)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}

// SortWireNewestFirst orders documents by createdAt, most recent first.
func SortWireNewestFirst(docs []WireEntity) {
	sortByCreated(docs, func(d WireEntity) (time.Time, string) {
		t, _ := ParseTime(d.CreatedAt)
		return t, d.ID
	})
}

func sortByCreated[T any](items []T, key func(T) (time.Time, string)) {
	slices.SortStableFunc(items, func(a, b T) int {
		ta, ia := key(a)
		tb, ib := key(b)
		if c := tb.Compare(ta); c != 0 {
			return c
		}
		return strings.Compare(ia, ib)
	})
}

// ApplyUpdates merges a partial update into a document. Keys are field paths:
// top-level fields ("availability", "media", "updatedAt") or dotted attribute
// paths ("attributes.price"). A nil attribute value removes the attribute.
// The id and createdAt fields are immutable.
func ApplyUpdates(doc WireEntity, fields map[string]any) (WireEntity, error) {
	out := doc
	out.Attributes = maps.Clone(doc.Attributes)
	out.Media = slices.Clone(doc.Media)

	for _, path := range slices.Sorted(maps.Keys(fields)) {
		value := fields[path]
		switch {
		case path == "id" || path == "createdAt":
			return WireEntity{}, fmt.Errorf("%w: field %q is immutable", ErrInvalid, path)
		case path == "availability":
			s, ok := value.(string)
			if !ok {
				return WireEntity{}, fmt.Errorf("%w: availability must be a string", ErrInvalid)
			}
			a, err := ParseAvailability(s)
			if err != nil {
				return WireEntity{}, err
			}
			out.Availability = string(a)
		case path == "updatedAt":
			s, err := timeField(value)
			if err != nil {
				return WireEntity{}, err
			}
			out.UpdatedAt = s
		case path == "media":
			media, err := mediaField(value)
			if err != nil {
				return WireEntity{}, err
			}
			out.Media = media
		case path == "attributes":
			attrs, ok := value.(map[string]any)
			if !ok {
				return WireEntity{}, fmt.Errorf("%w: attributes must be an object", ErrInvalid)
			}
			out.Attributes = maps.Clone(attrs)
		case strings.HasPrefix(path, "attributes."):
			name := strings.TrimPrefix(path, "attributes.")
			if name == "" || strings.Contains(name, ".") {
				return WireEntity{}, fmt.Errorf("%w: unsupported field path %q", ErrInvalid, path)
			}
			if out.Attributes == nil {
				out.Attributes = map[string]any{}
			}
			if value == nil {
				delete(out.Attributes, name)
			} else {
				out.Attributes[name] = value
			}
		default:
			return WireEntity{}, fmt.Errorf("%w: unsupported field path %q", ErrInvalid, path)
		}
	}
	return out, nil
}

func timeField(v any) (string, error) {
	switch t := v.(type) {
	case time.Time:
		return FormatTime(t), nil
	case string:
		parsed, err := ParseTime(t)
		if err != nil {
			return "", fmt.Errorf("%w: %v", ErrInvalid, err)
		}
		return FormatTime(parsed), nil
	default:
		return "", fmt.Errorf("%w: timestamp field has type %T", ErrInvalid, v)
	}
}

func mediaField(v any) ([]string, error) {
	var out []string
	switch m := v.(type) {
	case nil:
		return nil, nil
	case []string:
		out = slices.Clone(m)
	case []MediaRef:
		for _, r := range m {
			out = append(out, string(r))
		}
	case []any:
		for _, item := range m {
			s, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("%w: media entries must be strings", ErrInvalid)
			}
			out = append(out, s)
		}
	default:
		return nil, fmt.Errorf("%w: media has type %T", ErrInvalid, v)
	}
	if len(out) > MaxMediaItems {
		return nil, fmt.Errorf("%w: %d media items exceeds the limit of %d", ErrInvalid, len(out), MaxMediaItems)
	}
	return out, nil
}

// DraftFromWire converts a client-supplied document that has not been saved
// yet. Unlike FromWire it accepts a missing id, availability and
// timestamps; the synchronizer fills them in on save. UpdatedAt is ignored.
func DraftFromWire(w WireEntity) (Entity, error) {
	e := Entity{ID: w.ID}
	if w.Availability != "" {
		a, err := ParseAvailability(w.Availability)
		if err != nil {
			return Entity{}, err
		}
		e.Availability = a
	}
	created, err := ParseTime(w.CreatedAt)
	if err != nil {
		return Entity{}, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	e.CreatedAt = created
	if len(w.Attributes) > 0 {
		e.Attributes = maps.Clone(w.Attributes)
	}
	for _, m := range w.Media {
		e.Media = append(e.Media, MediaRef(m))
	}
	return e, nil
}
