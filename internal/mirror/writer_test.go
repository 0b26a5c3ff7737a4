package mirror

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/kilupskalvis/catmirror/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func flat(name, group, displayName string) models.LogicalType {
	return models.NewFlatType(models.MetadataTypeConfig{Name: name, Group: group}, displayName)
}

func TestSanitize(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"My Item", "My Item"},
		{"A/B", "AB"},
		{`a\b?c%d*e:f|g"h<i>j`, "abcdefghij"},
		{"line\r\nbreak\ttab", "linebreaktab"},
		{"", ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Sanitize(tt.in), tt.in)
	}
}

func TestWriter_PathFor(t *testing.T) {
	w := NewWriter(t.TempDir(), nil)

	tests := []struct {
		name string
		obj  models.CatalogObject
		lt   models.LogicalType
		want string
	}{
		{
			name: "group and display name",
			obj:  models.CatalogObject{"id": "abc123", "name": "My Item"},
			lt:   flat("dataElements", "G", "D"),
			want: "G/D/My Item-abc123.json",
		},
		{
			name: "slash stripped from name",
			obj:  models.CatalogObject{"id": "abc123", "name": "A/B"},
			lt:   flat("dataElements", "", ""),
			want: "AB-abc123.json",
		},
		{
			name: "no name",
			obj:  models.CatalogObject{"id": "abc123"},
			lt:   flat("dataElements", "G", "Data Element"),
			want: "G/Data Element/abc123.json",
		},
		{
			name: "hierarchy level uses alias",
			obj:  models.CatalogObject{"id": "ou1", "name": "Bo"},
			lt: models.NewLevelType(
				models.MetadataTypeConfig{Name: "organisationUnits", Hierarchical: true},
				"Organisation Unit",
				models.HierarchyLevel{Level: 2, DisplayName: "District"},
			),
			want: "Organisation Unit Level 2 (District)/Bo-ou1.json",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, w.PathFor(tt.obj, tt.lt))
		})
	}
}

func TestWriter_Write(t *testing.T) {
	root := t.TempDir()
	w := NewWriter(root, nil)
	obj := models.CatalogObject{"id": "abc123", "name": "My Item", "valueType": "NUMBER"}

	rel, err := w.Write(obj, flat("dataElements", "G", "D"))
	require.NoError(t, err)
	assert.Equal(t, "G/D/My Item-abc123.json", rel)

	data, err := os.ReadFile(filepath.Join(root, "G", "D", "My Item-abc123.json"))
	require.NoError(t, err)
	assert.Contains(t, string(data), "{\n    \"id\": \"abc123\"")

	var back map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &back))
	assert.Equal(t, "NUMBER", back["valueType"])
}

func TestWriter_WriteWithoutID(t *testing.T) {
	w := NewWriter(t.TempDir(), nil)

	_, err := w.Write(models.CatalogObject{"name": "orphan"}, flat("x", "", ""))
	assert.ErrorIs(t, err, ErrNoID)
}

func TestWriter_Remove(t *testing.T) {
	root := t.TempDir()
	w := NewWriter(root, nil)

	rel, err := w.Write(models.CatalogObject{"id": "a1", "name": "Only"}, flat("dataElements", "G", "D"))
	require.NoError(t, err)

	removed, err := w.Remove(rel)
	require.NoError(t, err)
	assert.True(t, removed)

	// Empty parents are pruned, the root stays
	_, err = os.Stat(filepath.Join(root, "G"))
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(root)
	assert.NoError(t, err)

	removed, err = w.Remove(rel)
	require.NoError(t, err)
	assert.False(t, removed)
}

func TestWriter_RemoveKeepsNonEmptyDirs(t *testing.T) {
	root := t.TempDir()
	w := NewWriter(root, nil)
	lt := flat("dataElements", "G", "D")

	first, err := w.Write(models.CatalogObject{"id": "a1"}, lt)
	require.NoError(t, err)
	_, err = w.Write(models.CatalogObject{"id": "a2"}, lt)
	require.NoError(t, err)

	_, err = w.Remove(first)
	require.NoError(t, err)

	_, err = os.Stat(filepath.Join(root, "G", "D", "a2.json"))
	assert.NoError(t, err)
}

func TestWriter_RemoveOutsideRoot(t *testing.T) {
	w := NewWriter(t.TempDir(), nil)

	_, err := w.Remove("../escape.json")
	assert.Error(t, err)
}

func TestWriter_RemoveByID(t *testing.T) {
	root := t.TempDir()
	w := NewWriter(root, nil)

	_, err := w.Write(models.CatalogObject{"id": "abc123", "name": "Old Name"}, flat("dataElements", "G", "D"))
	require.NoError(t, err)
	_, err = w.Write(models.CatalogObject{"id": "abc123"}, flat("dataElements", "", "Other"))
	require.NoError(t, err)
	_, err = w.Write(models.CatalogObject{"id": "xabc123"}, flat("dataElements", "", "Other"))
	require.NoError(t, err)

	// Files under .git and .updater are never touched
	for _, dir := range []string{".git", ".updater"} {
		require.NoError(t, os.MkdirAll(filepath.Join(root, dir), 0755))
		require.NoError(t, os.WriteFile(filepath.Join(root, dir, "abc123.json"), []byte("{}"), 0644))
	}

	n, err := w.RemoveByID("abc123")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	_, err = os.Stat(filepath.Join(root, "Other", "xabc123.json"))
	assert.NoError(t, err)
	_, err = os.Stat(filepath.Join(root, ".git", "abc123.json"))
	assert.NoError(t, err)
	_, err = os.Stat(filepath.Join(root, ".updater", "abc123.json"))
	assert.NoError(t, err)
}

func TestWriter_RemoveByIDNoMatch(t *testing.T) {
	w := NewWriter(t.TempDir(), nil)

	n, err := w.RemoveByID("ghost")
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestWriter_WriteOutsideRoot(t *testing.T) {
	root := filepath.Join(t.TempDir(), "mirror")
	w := NewWriter(root, nil)

	tests := []struct {
		name string
		obj  models.CatalogObject
		lt   models.LogicalType
	}{
		{"dot-dot folder", models.CatalogObject{"id": "a1"}, flat("dataElements", "", "..")},
		{"dot-dot group", models.CatalogObject{"id": "a1"}, flat("dataElements", "..", "D")},
		{"git directory", models.CatalogObject{"id": "a1"}, flat("dataElements", ".git", "hooks")},
		{"snapshot directory", models.CatalogObject{"id": "a1"}, flat("dataElements", "", ".updater")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := w.Write(tt.obj, tt.lt)
			assert.ErrorIs(t, err, ErrOutsideMirror)
		})
	}

	_, err := os.Stat(filepath.Join(filepath.Dir(root), "a1.json"))
	assert.True(t, os.IsNotExist(err))
}

func TestWriter_RemoveStale(t *testing.T) {
	root := t.TempDir()
	w := NewWriter(root, nil)
	lt := flat("dataElements", "Data", "Data Element")

	_, err := w.Write(models.CatalogObject{"id": "de1", "name": "Weight"}, lt)
	require.NoError(t, err)
	_, err = w.Write(models.CatalogObject{"id": "de1"}, flat("dataElements", "", "Elsewhere"))
	require.NoError(t, err)
	current, err := w.Write(models.CatalogObject{"id": "de1", "name": "Body Weight"}, lt)
	require.NoError(t, err)
	other, err := w.Write(models.CatalogObject{"id": "de2", "name": "Height"}, lt)
	require.NoError(t, err)
	_, err = w.Write(models.CatalogObject{"id": "xde1"}, lt)
	require.NoError(t, err)

	n, err := w.RemoveStale(map[string]string{"de1": current})
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	for _, rel := range []string{current, other, "Data/Data Element/xde1.json"} {
		_, err := os.Stat(filepath.Join(root, filepath.FromSlash(rel)))
		assert.NoError(t, err, rel)
	}
	_, err = os.Stat(filepath.Join(root, "Data", "Data Element", "Weight-de1.json"))
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(filepath.Join(root, "Elsewhere"))
	assert.True(t, os.IsNotExist(err), "empty folder pruned")
}

func TestWriter_RemoveStaleEmpty(t *testing.T) {
	w := NewWriter(t.TempDir(), nil)

	n, err := w.RemoveStale(nil)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}
