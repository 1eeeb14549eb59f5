package compare

import (
	"sort"

	"github.com/maxpert/metascope/metadata"
)

// Diff reports how target differs from source column by column: columns only
// in target are added, columns only in source are removed, and columns whose
// type, nullability or default changed are modified. Entries are grouped in
// that order and sorted by column name within each group.
func Diff(source, target metadata.TableInfo) []metadata.StructureDiff {
	srcCols := indexColumns(source.Columns)
	dstCols := indexColumns(target.Columns)

	var added, removed, modified []metadata.StructureDiff

	for _, col := range target.Columns {
		if _, ok := srcCols[col.Name]; !ok {
			added = append(added, metadata.StructureDiff{
				ColumnName:   col.Name,
				DiffType:     metadata.DiffAdded,
				Source2Value: describe(col),
			})
		}
	}

	for _, col := range source.Columns {
		other, ok := dstCols[col.Name]
		if !ok {
			removed = append(removed, metadata.StructureDiff{
				ColumnName:   col.Name,
				DiffType:     metadata.DiffRemoved,
				Source1Value: describe(col),
			})
			continue
		}
		if !col.SameShape(other) {
			modified = append(modified, metadata.StructureDiff{
				ColumnName:   col.Name,
				DiffType:     metadata.DiffModified,
				Source1Value: describe(col),
				Source2Value: describe(other),
			})
		}
	}

	out := make([]metadata.StructureDiff, 0, len(added)+len(removed)+len(modified))
	for _, bucket := range [][]metadata.StructureDiff{added, removed, modified} {
		sort.SliceStable(bucket, func(i, j int) bool { return bucket[i].ColumnName < bucket[j].ColumnName })
		out = append(out, bucket...)
	}
	return out
}

func indexColumns(cols []metadata.ColumnInfo) map[string]metadata.ColumnInfo {
	m := make(map[string]metadata.ColumnInfo, len(cols))
	for _, c := range cols {
		m[c.Name] = c
	}
	return m
}

func describe(c metadata.ColumnInfo) *string {
	s := c.Describe()
	return &s
}
