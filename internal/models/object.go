// Package models defines the core data structures used throughout catmirror
// including catalog references, snapshot entries, metadata types and run results.
package models

// CatalogObject is a full remote body. It is opaque apart from the id and
// the optional name used for file naming.
type CatalogObject map[string]interface{}

// ID returns the object's id, or "" if it has none.
func (o CatalogObject) ID() string {
	id, _ := o["id"].(string)
	return id
}

// Name returns the object's name and whether it carries one.
func (o CatalogObject) Name() (string, bool) {
	v, ok := o["name"]
	if !ok || v == nil {
		return "", false
	}
	name, ok := v.(string)
	return name, ok
}

// Schema is the remote model description used to resolve a configured type name.
type Schema struct {
	Name        string `json:"name"`
	Plural      string `json:"plural"`
	DisplayName string `json:"displayName"`
}

// HierarchyLevel describes one level of a hierarchical type.
type HierarchyLevel struct {
	Level       int    `json:"level"`
	DisplayName string `json:"displayName"`
}
