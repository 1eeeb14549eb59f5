// Package metadata holds the backend-agnostic value types shared by adapters,
// the cache and the comparison engine. Every type here serializes to the same
// document shape regardless of which backend produced it.
package metadata

import (
	"fmt"
	"strings"
	"time"
)

// Cache types. One per cacheable query kind.
const (
	CacheTables         = "tables"
	CacheTableStructure = "table_structure"
	CacheTopics         = "topics"
	CacheSchemas        = "schemas"
)

var cacheTypes = []string{CacheTables, CacheTableStructure, CacheTopics, CacheSchemas}

// CacheTypes returns every known cache type.
func CacheTypes() []string {
	out := make([]string, len(cacheTypes))
	copy(out, cacheTypes)
	return out
}

// ParseCacheType validates a cache type label.
func ParseCacheType(s string) (string, error) {
	for _, ct := range cacheTypes {
		if s == ct {
			return ct, nil
		}
	}
	return "", fmt.Errorf("unknown cache type %q", s)
}

// Context is a named group of data sources, e.g. one per environment.
// Names are unique.
type Context struct {
	ID          int64     `json:"id" msgpack:"id"`
	Name        string    `json:"name" msgpack:"name"`
	Description *string   `json:"description,omitempty" msgpack:"description"`
	CreatedAt   time.Time `json:"created_at" msgpack:"created_at"`
	UpdatedAt   time.Time `json:"updated_at" msgpack:"updated_at"`
}

func (c Context) Validate() error {
	if strings.TrimSpace(c.Name) == "" {
		return fmt.Errorf("context name is required")
	}
	return nil
}

// DataSource describes how to reach one external system. ContextID is nil for
// sources that belong to no context.
type DataSource struct {
	ID                int64       `json:"id" msgpack:"id"`
	ContextID         *int64      `json:"context_id,omitempty" msgpack:"context_id"`
	Name              string      `json:"name" msgpack:"name"`
	Kind              BackendKind `json:"kind" msgpack:"kind"`
	Host              string      `json:"host" msgpack:"host"`
	Port              int         `json:"port" msgpack:"port"`
	Database          *string     `json:"database,omitempty" msgpack:"database"`
	Username          string      `json:"username" msgpack:"username"`
	Password          string      `json:"password,omitempty" msgpack:"password"`
	SchemaRegistryURL *string     `json:"schema_registry_url,omitempty" msgpack:"schema_registry_url"`
	CreatedAt         time.Time   `json:"created_at" msgpack:"created_at"`
	UpdatedAt         time.Time   `json:"updated_at" msgpack:"updated_at"`
}

// Address returns host:port.
func (d DataSource) Address() string {
	return fmt.Sprintf("%s:%d", d.Host, d.Port)
}

// DatabaseName returns the configured database or "".
func (d DataSource) DatabaseName() string {
	if d.Database == nil {
		return ""
	}
	return *d.Database
}

// Validate checks the fields every backend needs.
func (d DataSource) Validate() error {
	if strings.TrimSpace(d.Name) == "" {
		return fmt.Errorf("data source name is required")
	}
	if _, err := ParseBackendKind(string(d.Kind)); err != nil {
		return err
	}
	if strings.TrimSpace(d.Host) == "" {
		return fmt.Errorf("data source host is required")
	}
	if d.Port < 1 || d.Port > 65535 {
		return fmt.Errorf("invalid port: %d", d.Port)
	}
	return nil
}

// TableInfo is one table with its ordered columns.
type TableInfo struct {
	Name     string       `json:"name" msgpack:"name"`
	Schema   *string      `json:"schema" msgpack:"schema"`
	RowCount *int64       `json:"row_count" msgpack:"row_count"`
	Columns  []ColumnInfo `json:"columns" msgpack:"columns"`
}

// WithRowCount returns a copy of t carrying n as its row count.
func (t TableInfo) WithRowCount(n int64) TableInfo {
	out := t
	out.RowCount = &n
	if t.Columns != nil {
		out.Columns = make([]ColumnInfo, len(t.Columns))
		copy(out.Columns, t.Columns)
	}
	return out
}

type ColumnInfo struct {
	Name         string   `json:"name" msgpack:"name"`
	DataType     string   `json:"data_type" msgpack:"data_type"`
	IsNullable   bool     `json:"is_nullable" msgpack:"is_nullable"`
	DefaultValue *string  `json:"default_value" msgpack:"default_value"`
	Constraints  []string `json:"constraints" msgpack:"constraints"`
}

// Describe renders the attributes that take part in structural diffs,
// e.g. "varchar(64) NOT NULL DEFAULT 'x'".
func (c ColumnInfo) Describe() string {
	var sb strings.Builder
	sb.WriteString(c.DataType)
	if !c.IsNullable {
		sb.WriteString(" NOT NULL")
	}
	if c.DefaultValue != nil {
		sb.WriteString(" DEFAULT ")
		sb.WriteString(*c.DefaultValue)
	}
	return sb.String()
}

// SameShape reports whether two columns agree on type, nullability and default.
func (c ColumnInfo) SameShape(o ColumnInfo) bool {
	if c.DataType != o.DataType || c.IsNullable != o.IsNullable {
		return false
	}
	switch {
	case c.DefaultValue == nil && o.DefaultValue == nil:
		return true
	case c.DefaultValue == nil || o.DefaultValue == nil:
		return false
	default:
		return *c.DefaultValue == *o.DefaultValue
	}
}

type KafkaTopicInfo struct {
	Name           string          `json:"name" msgpack:"name"`
	Internal       bool            `json:"internal" msgpack:"internal"`
	Partitions     []PartitionInfo `json:"partitions" msgpack:"partitions"`
	ConsumerGroups []string        `json:"consumer_groups" msgpack:"consumer_groups"`
}

// PartitionInfo carries broker ids for leader, replicas and in-sync replicas.
type PartitionInfo struct {
	ID       int32   `json:"id" msgpack:"id"`
	Leader   int32   `json:"leader" msgpack:"leader"`
	Replicas []int32 `json:"replicas" msgpack:"replicas"`
	ISR      []int32 `json:"isr" msgpack:"isr"`
}

// DefaultSchemaType is assumed when the registry omits one.
const DefaultSchemaType = "AVRO"

type SchemaInfo struct {
	Subject    string `json:"subject" msgpack:"subject"`
	Version    int32  `json:"version" msgpack:"version"`
	SchemaType string `json:"schema_type" msgpack:"schema_type"`
	Schema     string `json:"schema" msgpack:"schema"`
}

// SkippedSubject records a registry subject that could not be resolved.
type SkippedSubject struct {
	Subject string `json:"subject" msgpack:"subject"`
	Reason  string `json:"reason" msgpack:"reason"`
}

// SchemaListing is the result of a best-effort registry enumeration.
type SchemaListing struct {
	Schemas []SchemaInfo     `json:"schemas" msgpack:"schemas"`
	Skipped []SkippedSubject `json:"skipped,omitempty" msgpack:"skipped"`
}

// Partial reports whether any subject was skipped.
func (l SchemaListing) Partial() bool {
	return len(l.Skipped) > 0
}

// DiffType classifies a column-level structural change.
type DiffType string

const (
	DiffAdded    DiffType = "added"
	DiffRemoved  DiffType = "removed"
	DiffModified DiffType = "modified"
)

type StructureDiff struct {
	ColumnName   string   `json:"column_name" msgpack:"column_name"`
	DiffType     DiffType `json:"diff_type" msgpack:"diff_type"`
	Source1Value *string  `json:"source1_value" msgpack:"source1_value"`
	Source2Value *string  `json:"source2_value" msgpack:"source2_value"`
}

// TableComparison is the outcome of comparing one table across two sources.
// RowCountDiff is source1 minus source2.
type TableComparison struct {
	TableName     string          `json:"table_name" msgpack:"table_name"`
	Source1       TableInfo       `json:"source1" msgpack:"source1"`
	Source2       TableInfo       `json:"source2" msgpack:"source2"`
	StructureDiff []StructureDiff `json:"structure_diff" msgpack:"structure_diff"`
	RowCountDiff  *int64          `json:"row_count_diff" msgpack:"row_count_diff"`
}

// StringPtr returns nil for "" and &s otherwise.
func StringPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
