// Package xlsxsrc reads Excel workbooks, one partition per sheet.
//
// Options:
//
//	file    path of the .xlsx workbook
//	sheets  comma separated sheet names, default every sheet
//	header  first row holds column names and is skipped, default true
//	infer   convert numeric and boolean cells, default true
package xlsxsrc

import (
	"context"
	"encoding/binary"
	"fmt"
	"strconv"
	"strings"

	"dataTransfer/src/etl"

	"github.com/pingcap/errors"
	"github.com/pingcap/log"
	"github.com/xuri/excelize/v2"
	"go.uber.org/zap"
)

// SheetPartition is one sheet of the workbook.
type SheetPartition struct {
	Index int
	Sheet string
}

func (p *SheetPartition) MarshalBinary() ([]byte, error) {
	buf := binary.AppendUvarint(nil, uint64(p.Index))
	buf = binary.AppendUvarint(buf, uint64(len(p.Sheet)))
	return append(buf, p.Sheet...), nil
}

func (p *SheetPartition) UnmarshalBinary(data []byte) error {
	index, n := binary.Uvarint(data)
	if n <= 0 {
		return errors.New("sheet partition: bad index")
	}
	data = data[n:]
	size, n := binary.Uvarint(data)
	if n <= 0 || uint64(len(data)-n) != size {
		return errors.New("sheet partition: bad sheet name")
	}
	p.Index = int(index)
	p.Sheet = string(data[n:])
	return nil
}

func (p *SheetPartition) String() string {
	return fmt.Sprintf("#%d[%s]", p.Index, p.Sheet)
}

func openWorkbook(opts etl.Options) (*excelize.File, string, error) {
	path, err := opts.MustString("file")
	if err != nil {
		return nil, "", err
	}
	f, err := excelize.OpenFile(path)
	if err != nil {
		return nil, "", errors.Annotatef(err, "open workbook %s", path)
	}
	return f, path, nil
}

func closeWorkbook(f *excelize.File, path string) {
	if err := f.Close(); err != nil {
		log.Warn("failed to close workbook", zap.String("file", path), zap.Error(err))
	}
}

// Partitioner yields the selected sheets in workbook order.
type Partitioner struct{}

func (Partitioner) NewPartition() etl.Partition { return &SheetPartition{} }

func (Partitioner) Partition(_ context.Context, opts etl.Options) ([]etl.Partition, error) {
	wanted, err := opts.Strings("sheets")
	if err != nil {
		return nil, err
	}
	f, path, err := openWorkbook(opts)
	if err != nil {
		return nil, err
	}
	defer closeWorkbook(f, path)

	sheets := f.GetSheetList()
	if len(wanted) > 0 {
		known := make(map[string]bool, len(sheets))
		for _, s := range sheets {
			known[s] = true
		}
		for _, s := range wanted {
			if !known[s] {
				return nil, etl.ConfigErrorf("sheet %q not found in %s", s, path)
			}
		}
		sheets = wanted
	}

	out := make([]etl.Partition, len(sheets))
	for i, s := range sheets {
		out[i] = &SheetPartition{Index: i, Sheet: s}
	}
	return out, nil
}

// Extractor streams the rows of one sheet. Rows shorter than the widest row
// seen so far, or than the header, are padded with nulls.
type Extractor struct{}

func (Extractor) Extract(ctx context.Context, opts etl.Options, p etl.Partition, sink etl.RecordSink) error {
	sp, ok := p.(*SheetPartition)
	if !ok {
		return etl.ConfigErrorf("partition %s is %T, want a sheet partition", p, p)
	}
	header, err := opts.Bool("header", true)
	if err != nil {
		return err
	}
	infer, err := opts.Bool("infer", true)
	if err != nil {
		return err
	}
	f, path, err := openWorkbook(opts)
	if err != nil {
		return err
	}
	defer closeWorkbook(f, path)

	rows, err := f.Rows(sp.Sheet)
	if err != nil {
		return errors.Annotatef(err, "read sheet %s", sp.Sheet)
	}
	defer rows.Close()

	width := 0
	first := true
	for rows.Next() {
		cells, err := rows.Columns()
		if err != nil {
			return errors.Annotatef(err, "read sheet %s", sp.Sheet)
		}
		width = max(width, len(cells))
		if first && header {
			first = false
			continue
		}
		first = false

		row := make([]any, width)
		for i, cell := range cells {
			row[i] = cellValue(cell, infer)
		}
		if err := sink.WriteArrayRecord(ctx, row); err != nil {
			return err
		}
	}
	return errors.Trace(rows.Error())
}

func cellValue(cell string, infer bool) any {
	if cell == "" {
		return nil
	}
	if !infer {
		return cell
	}
	if i, err := strconv.ParseInt(cell, 10, 64); err == nil {
		return i
	}
	if f, err := strconv.ParseFloat(cell, 64); err == nil {
		return f
	}
	switch strings.ToUpper(cell) {
	case "TRUE":
		return true
	case "FALSE":
		return false
	}
	return cell
}

func init() {
	etl.RegisterPartitioner("xlsx", func() etl.Partitioner { return Partitioner{} })
	etl.RegisterExtractor("xlsx", func() etl.Extractor { return Extractor{} })
}
