package catalog

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/kilupskalvis/catmirror/internal/models"
)

// MockClient is an in-memory implementation of Client for testing.
type MockClient struct {
	mu sync.Mutex

	// SchemaMap maps plural type names to schemas
	SchemaMap map[string]models.Schema
	// Objects stores full bodies by type name and id
	Objects map[string]map[string]models.CatalogObject
	// Updated stores lastUpdated by type name and id
	Updated map[string]map[string]string
	// LevelOf stores the hierarchy level by type name and id
	LevelOf map[string]map[string]int
	// Levels are returned by ListHierarchyLevels
	Levels []models.HierarchyLevel

	// Err can be set to make every method return an error
	Err error
	// ListErr fails ListRefs for the named types
	ListErr map[string]error
	// FetchErr is consulted per FetchByIDs call; a non-nil result fails that call
	FetchErr func(ids []string) error

	// Call counters
	ListCalls  int
	LevelCalls int
	FetchCalls int
	// ListFilters records the filter of every ListRefs call, "" when unfiltered
	ListFilters []string
	// FetchedIDs records the ids of every FetchByIDs call
	FetchedIDs [][]string
}

// NewMockClient creates a new MockClient for testing.
func NewMockClient() *MockClient {
	return &MockClient{
		SchemaMap: make(map[string]models.Schema),
		Objects:   make(map[string]map[string]models.CatalogObject),
		Updated:   make(map[string]map[string]string),
		LevelOf:   make(map[string]map[string]int),
		ListErr:   make(map[string]error),
	}
}

// AddSchema registers a type with the given display name.
func (m *MockClient) AddSchema(plural, displayName string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.SchemaMap[plural] = models.Schema{Name: plural, Plural: plural, DisplayName: displayName}
}

// AddObject stores an object of typeName with the given lastUpdated.
func (m *MockClient) AddObject(typeName string, obj models.CatalogObject, lastUpdated string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Objects[typeName] == nil {
		m.Objects[typeName] = make(map[string]models.CatalogObject)
		m.Updated[typeName] = make(map[string]string)
	}
	m.Objects[typeName][obj.ID()] = obj
	m.Updated[typeName][obj.ID()] = lastUpdated
}

// AddLevelObject stores an object that belongs to a hierarchy level.
func (m *MockClient) AddLevelObject(typeName string, obj models.CatalogObject, lastUpdated string, level int) {
	m.AddObject(typeName, obj, lastUpdated)
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.LevelOf[typeName] == nil {
		m.LevelOf[typeName] = make(map[string]int)
	}
	m.LevelOf[typeName][obj.ID()] = level
}

// RemoveObject deletes an object.
func (m *MockClient) RemoveObject(typeName, id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.Objects[typeName], id)
	delete(m.Updated[typeName], id)
	delete(m.LevelOf[typeName], id)
}

// Schemas returns the registered schemas.
func (m *MockClient) Schemas(ctx context.Context) (map[string]models.Schema, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return nil, m.Err
	}
	result := make(map[string]models.Schema, len(m.SchemaMap))
	for k, v := range m.SchemaMap {
		result[k] = v
	}
	return result, nil
}

// ListRefs returns the refs of a type sorted by id, filtered on level when a filter is given.
func (m *MockClient) ListRefs(ctx context.Context, typeName string, filter *models.Filter) ([]models.CatalogItemRef, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ListCalls++
	if filter != nil {
		m.ListFilters = append(m.ListFilters, filter.String())
	} else {
		m.ListFilters = append(m.ListFilters, "")
	}
	if m.Err != nil {
		return nil, m.Err
	}
	if err := m.ListErr[typeName]; err != nil {
		return nil, err
	}
	var refs []models.CatalogItemRef
	for id, updated := range m.Updated[typeName] {
		if filter != nil && fmt.Sprintf("%d", m.LevelOf[typeName][id]) != filter.Value {
			continue
		}
		refs = append(refs, models.CatalogItemRef{ID: id, LastUpdated: updated})
	}
	sort.Slice(refs, func(i, j int) bool { return refs[i].ID < refs[j].ID })
	return refs, nil
}

// ListHierarchyLevels returns the configured levels.
func (m *MockClient) ListHierarchyLevels(ctx context.Context, levelType string) ([]models.HierarchyLevel, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.LevelCalls++
	if m.Err != nil {
		return nil, m.Err
	}
	return append([]models.HierarchyLevel(nil), m.Levels...), nil
}

// FetchByIDs returns the stored objects for ids, keyed by typeName.
func (m *MockClient) FetchByIDs(ctx context.Context, typeName string, ids []string, fields string) (map[string][]models.CatalogObject, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.FetchCalls++
	m.FetchedIDs = append(m.FetchedIDs, append([]string(nil), ids...))
	if m.Err != nil {
		return nil, m.Err
	}
	if m.FetchErr != nil {
		if err := m.FetchErr(ids); err != nil {
			return nil, err
		}
	}
	var objects []models.CatalogObject
	for _, id := range ids {
		if obj, ok := m.Objects[typeName][id]; ok {
			objects = append(objects, obj)
		}
	}
	return map[string][]models.CatalogObject{typeName: objects}, nil
}

// Verify MockClient implements Client
var _ Client = (*MockClient)(nil)
