package dataset

import (
	"github.com/parquet-go/parquet-go"
	"github.com/pkg/errors"
)

// ExportRow is one block-aligned chunk of the token stream in a parquet export.
type ExportRow struct {
	Index    int64   `parquet:"index"`
	InputIDs []int32 `parquet:"input_ids,list"`
}

// ExportParquet writes the token stream as non-overlapping blocks, one row per block, for
// trainers that do their own windowing. The View itself keeps its overlapping windows.
func ExportParquet(path string, v *View) error {
	numBlocks := v.Len() / v.BlockSize()
	rows := make([]ExportRow, numBlocks)
	for ii := range rows {
		block := make([]int32, v.BlockSize())
		copy(block, v.tokens[ii*v.BlockSize():(ii+1)*v.BlockSize()])
		rows[ii] = ExportRow{Index: int64(ii), InputIDs: block}
	}
	if err := parquet.WriteFile(path, rows); err != nil {
		return errors.Wrapf(err, "failed to export dataset to %s", path)
	}
	return nil
}
