package main

import (
	"io"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"

	"github.com/23skdu/longbow-pointformer/internal/neighbors"
	"github.com/23skdu/longbow-pointformer/internal/pointcloud/model"
)

// cloudSchema is { batch: int32, point: int32, xyz: fixed_size_list<float32>[3],
// features: fixed_size_list<float32>[channels] }.
func cloudSchema(channels int) *arrow.Schema {
	return arrow.NewSchema(
		[]arrow.Field{
			{Name: "batch", Type: arrow.PrimitiveTypes.Int32},
			{Name: "point", Type: arrow.PrimitiveTypes.Int32},
			{Name: "xyz", Type: arrow.FixedSizeListOf(neighbors.Dim, arrow.PrimitiveTypes.Float32)},
			{Name: "features", Type: arrow.FixedSizeListOf(int32(channels), arrow.PrimitiveTypes.Float32)},
		},
		nil,
	)
}

// cloudRecord flattens a cloud into one row per point.
func cloudRecord(pool memory.Allocator, c model.Cloud) arrow.RecordBatch {
	n, channels := c.Points(), c.Channels()
	schema := cloudSchema(channels)

	batchBuilder := array.NewInt32Builder(pool)
	defer batchBuilder.Release()
	pointBuilder := array.NewInt32Builder(pool)
	defer pointBuilder.Release()

	xyzBuilder := array.NewFixedSizeListBuilder(pool, neighbors.Dim, arrow.PrimitiveTypes.Float32)
	defer xyzBuilder.Release()
	xyzValues := xyzBuilder.ValueBuilder().(*array.Float32Builder)

	featBuilder := array.NewFixedSizeListBuilder(pool, int32(channels), arrow.PrimitiveTypes.Float32)
	defer featBuilder.Release()
	featValues := featBuilder.ValueBuilder().(*array.Float32Builder)

	xyz := c.XYZ.ToHost()
	feat := c.Feat.ToHost()
	rows := c.Batch * n
	for row := 0; row < rows; row++ {
		batchBuilder.Append(int32(row / n))
		pointBuilder.Append(int32(row % n))

		xyzBuilder.Append(true)
		xyzValues.AppendValues(xyz[row*neighbors.Dim:(row+1)*neighbors.Dim], nil)

		featBuilder.Append(true)
		featValues.AppendValues(feat[row*channels:(row+1)*channels], nil)
	}

	cols := []arrow.Array{
		batchBuilder.NewArray(),
		pointBuilder.NewArray(),
		xyzBuilder.NewArray(),
		featBuilder.NewArray(),
	}
	defer func() {
		for _, col := range cols {
			col.Release()
		}
	}()

	return array.NewRecordBatch(schema, cols, int64(rows))
}

func writeArrowStream(w io.Writer, rec arrow.RecordBatch) error {
	writer := ipc.NewWriter(w, ipc.WithSchema(rec.Schema()))
	if err := writer.Write(rec); err != nil {
		_ = writer.Close()
		return err
	}
	return writer.Close()
}
