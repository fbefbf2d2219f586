// Package schema describes the shape of a table: its columns, their
// roles within the row key, and the schema version carried on every row
// operation so planners can detect a stale client.
package schema

import (
	"fmt"
	"time"
)

// ColumnRole classifies a column by where it lives in the row key, if
// at all.
type ColumnRole int

const (
	// RegularColumn is a plain value column, not part of the key.
	RegularColumn ColumnRole = iota
	// HashColumn participates in the hash doc key (partition key).
	HashColumn
	// RangeColumn participates in the range doc key (clustering key).
	RangeColumn
)

func (r ColumnRole) String() string {
	switch r {
	case HashColumn:
		return "hash"
	case RangeColumn:
		return "range"
	default:
		return "regular"
	}
}

// DataType is the column's logical type.
type DataType int

const (
	TypeBytes DataType = iota
	TypeInt64
	TypeFloat64
	TypeTimestamp
)

// Column describes one column of a Table.
type Column struct {
	ID   uint32
	Name string
	Type DataType
	Role ColumnRole
	// Order is this column's position among columns sharing the same
	// Role, e.g. the 2nd range column. Ignored for RegularColumn.
	Order int
}

// Table is the schema for one table: its column list and the version
// number bumped on every DDL change, which the planner compares against
// each request's schema version.
type Table struct {
	ID      uint32
	Name    string
	Version uint32
	Columns []Column

	// DefaultTTL is the row expiry every insert's liveness column
	// carries (spec.md §4.5 step 2, "the row's default TTL"), zero
	// meaning rows never expire.
	DefaultTTL time.Duration
}

// ColumnByID returns the column with the given id, or ok=false.
func (t *Table) ColumnByID(id uint32) (Column, bool) {
	for _, c := range t.Columns {
		if c.ID == id {
			return c, true
		}
	}
	return Column{}, false
}

// ColumnByName returns the column with the given name, or ok=false.
func (t *Table) ColumnByName(name string) (Column, bool) {
	for _, c := range t.Columns {
		if c.Name == name {
			return c, true
		}
	}
	return Column{}, false
}

// HashColumns returns the hash (partition) key columns in key order.
func (t *Table) HashColumns() []Column {
	return t.columnsWithRole(HashColumn)
}

// RangeColumns returns the range (clustering) key columns in key order.
func (t *Table) RangeColumns() []Column {
	return t.columnsWithRole(RangeColumn)
}

func (t *Table) columnsWithRole(role ColumnRole) []Column {
	var out []Column
	for _, c := range t.Columns {
		if c.Role == role {
			out = append(out, c)
		}
	}
	for i := 0; i < len(out); i++ {
		for j := i + 1; j < len(out); j++ {
			if out[j].Order < out[i].Order {
				out[i], out[j] = out[j], out[i]
			}
		}
	}
	return out
}

// CheckVersion reports whether clientVersion matches the table's
// version. It returns a bool rather than an error, keeping the caller's
// error taxonomy out of this package; the write planner turns false into
// its own SchemaVersionMismatch status.
func (t *Table) CheckVersion(clientVersion uint32) bool {
	return t.Version == clientVersion
}

// String renders a human-readable summary, used in log lines the way
// the teacher's region/store structs implement String().
func (t *Table) String() string {
	return fmt.Sprintf("Table{id=%d name=%s version=%d columns=%d}", t.ID, t.Name, t.Version, len(t.Columns))
}
