package xlsxsrc

import (
	"context"
	"path/filepath"
	"testing"

	"dataTransfer/src/etl"

	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"
)

type collectSink struct {
	rows [][]any
}

func (s *collectSink) WriteArrayRecord(_ context.Context, fields []any) error {
	s.rows = append(s.rows, append([]any(nil), fields...))
	return nil
}

func newWorkbook(t *testing.T) string {
	f := excelize.NewFile()
	defer f.Close()

	require.NoError(t, f.SetSheetRow("Sheet1", "A1", &[]any{"id", "name", "price", "active"}))
	require.NoError(t, f.SetSheetRow("Sheet1", "A2", &[]any{1, "apple", 1.5, true}))
	require.NoError(t, f.SetSheetRow("Sheet1", "A3", &[]any{2, "pear"}))

	_, err := f.NewSheet("Extra")
	require.NoError(t, err)
	require.NoError(t, f.SetSheetRow("Extra", "A1", &[]any{"id"}))
	require.NoError(t, f.SetSheetRow("Extra", "A2", &[]any{3}))

	path := filepath.Join(t.TempDir(), "book.xlsx")
	require.NoError(t, f.SaveAs(path))
	return path
}

func TestSheetPartitionEncoding(t *testing.T) {
	p := &SheetPartition{Index: 3, Sheet: "Q1 sales"}
	cp, err := etl.CopyPartition(p, Partitioner{}.NewPartition)
	require.NoError(t, err)
	require.Equal(t, p, cp)
	require.Equal(t, "#3[Q1 sales]", cp.String())

	data, err := p.MarshalBinary()
	require.NoError(t, err)
	require.Error(t, new(SheetPartition).UnmarshalBinary(data[:len(data)-1]))
	require.Error(t, new(SheetPartition).UnmarshalBinary(nil))
}

func TestPartitionPerSheet(t *testing.T) {
	path := newWorkbook(t)
	ctx := context.Background()

	parts, err := Partitioner{}.Partition(ctx, etl.NewOptions(map[string]any{"file": path}))
	require.NoError(t, err)
	require.Len(t, parts, 2)
	require.Equal(t, "#0[Sheet1]", parts[0].String())
	require.Equal(t, "#1[Extra]", parts[1].String())

	parts, err = Partitioner{}.Partition(ctx, etl.NewOptions(map[string]any{"file": path, "sheets": "Extra"}))
	require.NoError(t, err)
	require.Len(t, parts, 1)

	_, err = Partitioner{}.Partition(ctx, etl.NewOptions(map[string]any{"file": path, "sheets": "Missing"}))
	require.True(t, etl.ErrConfiguration.Equal(err))

	_, err = Partitioner{}.Partition(ctx, etl.NewOptions(nil))
	require.True(t, etl.ErrConfiguration.Equal(err))
}

func TestExtractSheet(t *testing.T) {
	path := newWorkbook(t)
	ctx := context.Background()

	var sink collectSink
	opts := etl.NewOptions(map[string]any{"file": path})
	require.NoError(t, Extractor{}.Extract(ctx, opts, &SheetPartition{Sheet: "Sheet1"}, &sink))
	require.Equal(t, [][]any{
		{int64(1), "apple", 1.5, true},
		{int64(2), "pear", nil, nil},
	}, sink.rows)

	sink = collectSink{}
	opts = etl.NewOptions(map[string]any{"file": path, "header": false, "infer": false})
	require.NoError(t, Extractor{}.Extract(ctx, opts, &SheetPartition{Index: 1, Sheet: "Extra"}, &sink))
	require.Equal(t, [][]any{{"id"}, {"3"}}, sink.rows)
}

func TestCellValue(t *testing.T) {
	require.Nil(t, cellValue("", true))
	require.Equal(t, int64(-4), cellValue("-4", true))
	require.Equal(t, 2.25, cellValue("2.25", true))
	require.Equal(t, false, cellValue("false", true))
	require.Equal(t, "x", cellValue("x", true))
	require.Equal(t, "7", cellValue("7", false))
}
