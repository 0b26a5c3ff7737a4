package models

// CatalogItemRef is the minimal projection of a remote object.
// LastUpdated is kept verbatim as reported by the remote so that equality is exact.
type CatalogItemRef struct {
	ID          string `json:"id"`
	LastUpdated string `json:"lastUpdated"`
}

// SnapshotEntry is a persisted ref plus the mirror-relative path the object
// was last written to. Path is empty for entries recorded before indexing.
type SnapshotEntry struct {
	ID          string `json:"id"`
	LastUpdated string `json:"lastUpdated"`
	Path        string `json:"path,omitempty"`
}

// Ref returns the entry without its path.
func (e SnapshotEntry) Ref() CatalogItemRef {
	return CatalogItemRef{ID: e.ID, LastUpdated: e.LastUpdated}
}

// Refs projects snapshot entries to refs.
func Refs(entries []SnapshotEntry) []CatalogItemRef {
	refs := make([]CatalogItemRef, len(entries))
	for i, e := range entries {
		refs[i] = e.Ref()
	}
	return refs
}

// ReconciliationResult holds the classified ids of one pass.
type ReconciliationResult struct {
	Added   []string
	Removed []string
	Changed []string
}

// Total returns the number of classified ids.
func (r *ReconciliationResult) Total() int {
	return len(r.Added) + len(r.Removed) + len(r.Changed)
}

// Empty reports whether nothing changed.
func (r *ReconciliationResult) Empty() bool {
	return r.Total() == 0
}
