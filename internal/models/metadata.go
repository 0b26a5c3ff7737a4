package models

import "fmt"

const (
	DefaultLevelType  = "organisationUnitLevels"
	DefaultLevelField = "level"
)

// MetadataTypeConfig configures one metadata type of a rule.
type MetadataTypeConfig struct {
	Name         string `toml:"name" mapstructure:"name"`
	Group        string `toml:"group,omitempty" mapstructure:"group"`
	DisplayName  string `toml:"display_name,omitempty" mapstructure:"display_name"`
	Hierarchical bool   `toml:"hierarchical,omitempty" mapstructure:"hierarchical"`
	LevelType    string `toml:"level_type,omitempty" mapstructure:"level_type"`
	LevelField   string `toml:"level_field,omitempty" mapstructure:"level_field"`
}

// LevelTypeOrDefault returns the type listing the hierarchy levels.
func (c MetadataTypeConfig) LevelTypeOrDefault() string {
	if c.LevelType == "" {
		return DefaultLevelType
	}
	return c.LevelType
}

// LevelFieldOrDefault returns the field the listing is filtered on per level.
func (c MetadataTypeConfig) LevelFieldOrDefault() string {
	if c.LevelField == "" {
		return DefaultLevelField
	}
	return c.LevelField
}

// Filter restricts a listing to objects whose Field equals Value.
type Filter struct {
	Field string
	Value string
}

// String renders the filter in the catalog query syntax.
func (f *Filter) String() string {
	return fmt.Sprintf("%s:eq:%s", f.Field, f.Value)
}

// LogicalType is the unit of reconciliation: a flat type or one hierarchy level.
type LogicalType struct {
	Config      MetadataTypeConfig
	Alias       string
	DisplayName string
	Filter      *Filter
}

// NewFlatType returns the logical type for a flat metadata type.
func NewFlatType(cfg MetadataTypeConfig, displayName string) LogicalType {
	if cfg.DisplayName != "" {
		displayName = cfg.DisplayName
	}
	return LogicalType{Config: cfg, Alias: cfg.Name, DisplayName: displayName}
}

// NewLevelType returns the logical type for one level of a hierarchical type.
func NewLevelType(cfg MetadataTypeConfig, displayName string, level HierarchyLevel) LogicalType {
	if cfg.DisplayName != "" {
		displayName = cfg.DisplayName
	}
	return LogicalType{
		Config:      cfg,
		Alias:       LevelKey(displayName, level),
		DisplayName: displayName,
		Filter: &Filter{
			Field: cfg.LevelFieldOrDefault(),
			Value: fmt.Sprintf("%d", level.Level),
		},
	}
}

// LevelKey builds the snapshot key of a hierarchy level.
func LevelKey(displayName string, level HierarchyLevel) string {
	return fmt.Sprintf("%s Level %d (%s)", displayName, level.Level, level.DisplayName)
}

// Key returns the snapshot key.
func (t LogicalType) Key() string {
	return t.Alias
}

// TypeName returns the remote type name.
func (t LogicalType) TypeName() string {
	return t.Config.Name
}

// FolderName returns the mirror folder below the group: the alias when it
// differs from the type name, else the display name.
func (t LogicalType) FolderName() string {
	if t.Alias != "" && t.Alias != t.Config.Name {
		return t.Alias
	}
	return t.DisplayName
}
