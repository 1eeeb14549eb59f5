// Package compare diffs one table across two data sources.
package compare

import (
	"context"
	"fmt"

	"github.com/maxpert/metascope/metadata"
	"github.com/maxpert/metascope/telemetry"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

// StructureReader yields table structures, normally through the cache.
type StructureReader interface {
	TableStructure(ctx context.Context, src metadata.DataSource, schema *string, table string, forceRefresh bool) (metadata.TableInfo, error)
}

// RowCounter counts rows live; counts are never cached.
type RowCounter interface {
	FetchRowCount(ctx context.Context, src metadata.DataSource, schema *string, table string) (int64, error)
}

type Engine struct {
	structures StructureReader
	counts     RowCounter
}

func NewEngine(structures StructureReader, counts RowCounter) *Engine {
	return &Engine{structures: structures, counts: counts}
}

type side struct {
	src       metadata.DataSource
	schema    *string
	structure metadata.TableInfo
	rowCount  int64
}

// Compare fetches table from both sources concurrently and diffs source2
// against source1. Any failed sub-fetch cancels the rest and fails the call.
func (e *Engine) Compare(
	ctx context.Context,
	src1, src2 metadata.DataSource,
	schema1, schema2 *string,
	table string,
) (metadata.TableComparison, error) {
	sides := [2]*side{
		{src: src1, schema: schema1},
		{src: src2, schema: schema2},
	}

	g, gctx := errgroup.WithContext(ctx)
	for i := range sides {
		s := sides[i]
		g.Go(func() error {
			t, err := e.structures.TableStructure(gctx, s.src, s.schema, table, false)
			if err != nil {
				return fmt.Errorf("structure of %s on source %d: %w", table, s.src.ID, err)
			}
			s.structure = t
			return nil
		})
		g.Go(func() error {
			n, err := e.counts.FetchRowCount(gctx, s.src, s.schema, table)
			if err != nil {
				return fmt.Errorf("row count of %s on source %d: %w", table, s.src.ID, err)
			}
			s.rowCount = n
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		telemetry.ComparisonsTotal.With("failed").Inc()
		return metadata.TableComparison{}, err
	}

	rowCountDiff := sides[0].rowCount - sides[1].rowCount
	result := metadata.TableComparison{
		TableName:     table,
		Source1:       sides[0].structure.WithRowCount(sides[0].rowCount),
		Source2:       sides[1].structure.WithRowCount(sides[1].rowCount),
		StructureDiff: Diff(sides[0].structure, sides[1].structure),
		RowCountDiff:  &rowCountDiff,
	}

	telemetry.ComparisonsTotal.With("success").Inc()
	log.Debug().
		Str("table", table).
		Int64("source1", src1.ID).
		Int64("source2", src2.ID).
		Int("diffs", len(result.StructureDiff)).
		Int64("row_count_diff", rowCountDiff).
		Msg("Compared table")
	return result, nil
}
