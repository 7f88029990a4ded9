// Copyright 2026 The HAWKI Authors
// SPDX-License-Identifier: Apache-2.0

package localstore

import (
	"fmt"
	"math"
	"regexp"
)

// Record is one resource record in wire or stored shape. Records are
// schemaless maps; the only structural requirement is a numeric "id"
// field, unique within the record's resource type and immutable once
// created.
type Record map[string]any

// ID extracts the record's numeric identifier. JSON decoding yields
// float64 for numbers and CBOR yields int64/uint64, so all are
// accepted; anything else (or a fractional value) is a validation
// error.
func (r Record) ID() (int64, error) {
	raw, ok := r["id"]
	if !ok {
		return 0, fmt.Errorf("localstore: record has no id field")
	}
	switch v := raw.(type) {
	case int64:
		return v, nil
	case int:
		return int64(v), nil
	case uint64:
		if v > math.MaxInt64 {
			return 0, fmt.Errorf("localstore: record id %d overflows int64", v)
		}
		return int64(v), nil
	case float64:
		if v != math.Trunc(v) {
			return 0, fmt.Errorf("localstore: record id %v is not an integer", v)
		}
		return int64(v), nil
	default:
		return 0, fmt.Errorf("localstore: record id has non-numeric type %T", raw)
	}
}

// IndexSpec declares one secondary index on a table. Columns name
// stored-shape record fields, extracted into SQL columns at commit
// time; multi-column specs become compound indexes.
type IndexSpec struct {
	Name    string
	Columns []string
}

// ConvertFunc maps a record's wire shape to its stored shape:
// derived/denormalized fields, date normalization. Nil means the two
// shapes coincide. Conversion failures reject the write.
type ConvertFunc func(Record) (Record, error)

// TableSpec declares one resource table.
type TableSpec struct {
	// Resource is the server resource type (room, message, member,
	// ...). One resource type maps to exactly one table.
	Resource string
	Indexes  []IndexSpec
	Convert  ConvertFunc
}

var identifierPattern = regexp.MustCompile(`^[a-z][a-z0-9_]*$`)

func (spec TableSpec) validate() error {
	if !identifierPattern.MatchString(spec.Resource) {
		return fmt.Errorf("localstore: invalid resource name %q", spec.Resource)
	}
	for _, index := range spec.Indexes {
		if !identifierPattern.MatchString(index.Name) {
			return fmt.Errorf("localstore: invalid index name %q on %s", index.Name, spec.Resource)
		}
		if len(index.Columns) == 0 {
			return fmt.Errorf("localstore: index %s on %s has no columns", index.Name, spec.Resource)
		}
		for _, column := range index.Columns {
			if !identifierPattern.MatchString(column) {
				return fmt.Errorf("localstore: invalid index column %q on %s", column, spec.Resource)
			}
		}
	}
	return nil
}

// indexColumns returns the union of all index columns, in declaration
// order without duplicates. These become physical SQL columns.
func (spec TableSpec) indexColumns() []string {
	seen := make(map[string]bool)
	var columns []string
	for _, index := range spec.Indexes {
		for _, column := range index.Columns {
			if !seen[column] {
				seen[column] = true
				columns = append(columns, column)
			}
		}
	}
	return columns
}
