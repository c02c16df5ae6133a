package reconcile

import (
	"errors"
	"fmt"
	"sort"

	"github.com/goccy/go-json"

	"github.com/ehr/ipsreconcile/internal/domain/ips"
)

var ErrUnknownCategory = errors.New("reconcile: unknown category")

// Selection holds, per category, the ids of bundle items queued for import.
// It stores ids only; callers resolve them against the current bundle.
type Selection struct {
	sets map[ips.Category]map[string]struct{}
}

// NewSelection returns an empty selection.
func NewSelection() *Selection {
	s := &Selection{}
	s.Clear()
	return s
}

// Initialize selects every incoming item that is not already recorded.
// Procedures are always selected.
func (s *Selection) Initialize(bundle, existing *ips.ParsedBundle) {
	s.Clear()
	for _, cat := range ips.Categories {
		known := existing.Items(cat)
		for _, item := range bundle.Items(cat) {
			if cat != ips.CategoryProcedures && IsAlreadyRecorded(item, known) {
				continue
			}
			s.sets[cat][item.ItemID()] = struct{}{}
		}
	}
}

// Toggle flips the membership of id and returns whether it is now selected.
// Ids not present in the bundle are ignored.
func (s *Selection) Toggle(bundle *ips.ParsedBundle, cat ips.Category, id string) (bool, error) {
	set, err := s.set(cat)
	if err != nil {
		return false, err
	}
	if !bundle.Has(cat, id) {
		return false, nil
	}
	if _, ok := set[id]; ok {
		delete(set, id)
		return false, nil
	}
	set[id] = struct{}{}
	return true, nil
}

// AddFromSource behaves like Toggle but refuses items already present in the
// stored record. Procedures are never considered recorded.
func (s *Selection) AddFromSource(bundle, existing *ips.ParsedBundle, cat ips.Category, id string) (bool, error) {
	if _, err := s.set(cat); err != nil {
		return false, err
	}
	item := bundle.Find(cat, id)
	if item == nil {
		return false, nil
	}
	if cat != ips.CategoryProcedures && IsAlreadyRecorded(item, existing.Items(cat)) {
		return s.Has(cat, id), nil
	}
	return s.Toggle(bundle, cat, id)
}

// SelectAll selects every item of the category.
func (s *Selection) SelectAll(bundle *ips.ParsedBundle, cat ips.Category) error {
	set, err := s.set(cat)
	if err != nil {
		return err
	}
	for _, item := range bundle.Items(cat) {
		set[item.ItemID()] = struct{}{}
	}
	return nil
}

// DeselectAll empties the category.
func (s *Selection) DeselectAll(cat ips.Category) error {
	if _, err := s.set(cat); err != nil {
		return err
	}
	s.sets[cat] = make(map[string]struct{})
	return nil
}

// Clear empties every category.
func (s *Selection) Clear() {
	s.sets = make(map[ips.Category]map[string]struct{}, len(ips.Categories))
	for _, cat := range ips.Categories {
		s.sets[cat] = make(map[string]struct{})
	}
}

// Has reports whether id is selected in the category.
func (s *Selection) Has(cat ips.Category, id string) bool {
	_, ok := s.sets[cat][id]
	return ok
}

// IDs returns the selected ids of a category in sorted order.
func (s *Selection) IDs(cat ips.Category) []string {
	ids := make([]string, 0, len(s.sets[cat]))
	for id := range s.sets[cat] {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Count returns the number of selected ids in the category.
func (s *Selection) Count(cat ips.Category) int {
	return len(s.sets[cat])
}

// Total returns the number of selected ids over all categories.
func (s *Selection) Total() int {
	n := 0
	for _, set := range s.sets {
		n += len(set)
	}
	return n
}

func (s *Selection) set(cat ips.Category) (map[string]struct{}, error) {
	set, ok := s.sets[cat]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownCategory, cat)
	}
	return set, nil
}

func (s *Selection) MarshalJSON() ([]byte, error) {
	out := make(map[ips.Category][]string, len(ips.Categories))
	for _, cat := range ips.Categories {
		out[cat] = s.IDs(cat)
	}
	return json.Marshal(out)
}

func (s *Selection) UnmarshalJSON(data []byte) error {
	var in map[ips.Category][]string
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	s.Clear()
	for cat, ids := range in {
		set, ok := s.sets[cat]
		if !ok {
			return fmt.Errorf("%w: %q", ErrUnknownCategory, cat)
		}
		for _, id := range ids {
			set[id] = struct{}{}
		}
	}
	return nil
}
