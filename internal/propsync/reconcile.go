package propsync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strconv"

	"propsync/internal/model"
)

// ReconcileReport counts the remote writes made by InitializeDefaults.
type ReconcileReport struct {
	Saved   int
	Updated int
	Deleted int
}

// Changed reports whether reconciliation wrote anything.
func (r ReconcileReport) Changed() bool {
	return r.Saved+r.Updated+r.Deleted > 0
}

// InitializeDefaults reconciles the remote collection with the bundled
// defaults. It seeds an empty collection; otherwise it forces availability
// and price of matching ids to the bundled values, removes deprecated ids,
// and adds bundled entities that are missing. Running it twice in a row
// makes no writes the second time.
func (s *Synchronizer) InitializeDefaults(ctx context.Context) (ReconcileReport, error) {
	var report ReconcileReport

	docs, err := WithRetry(ctx, s.retrier, s.label("list for reconcile", ""), 0, func(ctx context.Context) ([]model.WireEntity, error) {
		return s.remote.List(ctx, s.kind.Collection)
	})
	if err != nil {
		return report, fmt.Errorf("listing existing %s: %w", s.kind.Name, err)
	}

	existing := make(map[string]model.Entity, len(docs))
	for _, e := range s.fromDocs(docs) {
		existing[e.ID] = e
	}

	var errs []error
	save := func(e model.Entity) {
		if _, err := s.Save(ctx, e); err != nil {
			errs = append(errs, fmt.Errorf("saving default %s: %w", e.ID, err))
			return
		}
		report.Saved++
	}

	if len(existing) == 0 {
		for _, d := range s.kind.Defaults {
			if !s.kind.IsDeprecated(d.ID) {
				save(d)
			}
		}
		s.logger.Info("seeded empty collection", "kind", s.kind.Name, "saved", report.Saved)
		return report, errors.Join(errs...)
	}

	for _, d := range s.kind.Defaults {
		cur, ok := existing[d.ID]
		if !ok || s.kind.IsDeprecated(d.ID) {
			continue
		}
		patch := s.canonicalPatch(cur, d)
		if len(patch) == 0 {
			continue
		}
		if _, err := s.Update(ctx, d.ID, patch); err != nil {
			errs = append(errs, fmt.Errorf("updating %s: %w", d.ID, err))
			continue
		}
		report.Updated++
	}

	for id := range existing {
		if !s.kind.IsDeprecated(id) {
			continue
		}
		if err := s.Delete(ctx, id); err != nil {
			errs = append(errs, fmt.Errorf("deleting deprecated %s: %w", id, err))
			continue
		}
		report.Deleted++
	}

	for _, d := range s.kind.Defaults {
		if _, ok := existing[d.ID]; ok || s.kind.IsDeprecated(d.ID) {
			continue
		}
		save(d)
	}

	if report.Changed() {
		s.logger.Info("reconciled defaults", "kind", s.kind.Name, "saved", report.Saved, "updated", report.Updated, "deleted", report.Deleted)
	} else {
		s.logger.Debug("defaults already reconciled", "kind", s.kind.Name)
	}
	return report, errors.Join(errs...)
}

// canonicalPatch returns the fields of cur that differ from the bundled
// default d on the reconciled fields.
func (s *Synchronizer) canonicalPatch(cur, d model.Entity) Patch {
	patch := Patch{}
	if d.Availability != "" && cur.Availability != d.Availability {
		patch["availability"] = string(d.Availability)
	}
	if s.kind.PriceField != "" {
		want := d.Attr(s.kind.PriceField)
		if want != nil && !sameNumber(cur.Attr(s.kind.PriceField), want) {
			patch["attributes."+s.kind.PriceField] = want
		}
	}
	return patch
}

// sameNumber compares attribute values that may have passed through JSON
// (float64) or YAML (int) decoding.
func sameNumber(a, b any) bool {
	fa, okA := toFloat(a)
	fb, okB := toFloat(b)
	if okA && okB {
		return fa == fb
	}
	return reflect.DeepEqual(a, b)
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	default:
		return 0, false
	}
}
