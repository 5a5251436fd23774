package loader

import (
	"bytes"
	"fmt"
	"io"
	"slices"
	"strings"

	"dataTransfer/src/codec"
	"dataTransfer/src/etl"
	"dataTransfer/src/record"

	"github.com/apache/arrow-go/v18/parquet"
	"github.com/apache/arrow-go/v18/parquet/compress"
	"github.com/apache/arrow-go/v18/parquet/file"
	"github.com/apache/arrow-go/v18/parquet/schema"
	"github.com/pingcap/errors"
)

// ParquetSuffix is used for parquet shards whatever the codec.
const ParquetSuffix = ".parquet"

// ParquetFormat writes records as optional columns c0..cN. Column types are
// fixed by the first buffered row group; compression is applied per column
// chunk. A shard without records is an empty file.
type ParquetFormat struct{}

func (ParquetFormat) Name() string { return "parquet" }

func (ParquetFormat) Suffix(codec.Codec) string { return ParquetSuffix }

func (ParquetFormat) Validate(c codec.Codec) error {
	_, err := ParquetCompression(c)
	return err
}

// ParquetCompression maps a stream codec onto the parquet column codec.
func ParquetCompression(c codec.Codec) (compress.Compression, error) {
	if c == nil {
		return compress.Codecs.Uncompressed, nil
	}
	switch strings.ToLower(c.Name()) {
	case "snappy":
		return compress.Codecs.Snappy, nil
	case "zstd":
		return compress.Codecs.Zstd, nil
	case "gzip":
		return compress.Codecs.Gzip, nil
	case "brotli":
		return compress.Codecs.Brotli, nil
	case "lz4":
		return compress.Codecs.Lz4Raw, nil
	default:
		return compress.Codecs.Uncompressed, etl.ConfigErrorf("codec %s is not supported by the parquet format", c.Name())
	}
}

func (ParquetFormat) NewEncoder(w io.Writer, c codec.Codec, opts FormatOptions) (Encoder, error) {
	compression, err := ParquetCompression(c)
	if err != nil {
		return nil, err
	}
	opts = opts.withDefaults()
	return &parquetEncoder{
		// the parquet writer closes its sink; the shard writer owns it
		sink:         struct{ io.Writer }{w},
		compression:  compression,
		rowGroupRows: opts.RowGroupRows,
	}, nil
}

func (ParquetFormat) NewDecoder(r io.Reader, _ codec.Codec, _ []record.Kind) (Decoder, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, errors.Trace(err)
	}
	dec := &parquetDecoder{}
	if len(data) == 0 {
		return dec, nil
	}
	dec.reader, err = file.NewParquetReader(bytes.NewReader(data))
	if err != nil {
		return nil, errors.Annotate(err, "open parquet shard")
	}
	sc := dec.reader.MetaData().Schema
	dec.kinds = make([]record.Kind, sc.NumColumns())
	for i := range dec.kinds {
		col := sc.Column(i)
		switch col.PhysicalType() {
		case parquet.Types.Boolean:
			dec.kinds[i] = record.KindBool
		case parquet.Types.Int64:
			dec.kinds[i] = record.KindInt64
		case parquet.Types.Double:
			dec.kinds[i] = record.KindFloat64
		case parquet.Types.ByteArray:
			if col.ConvertedType() == schema.ConvertedTypes.UTF8 {
				dec.kinds[i] = record.KindString
			} else {
				dec.kinds[i] = record.KindBytes
			}
		default:
			return nil, errors.Errorf("parquet column %s has unsupported type %s", col.Name(), col.PhysicalType())
		}
	}
	return dec, nil
}

type parquetEncoder struct {
	sink         io.Writer
	compression  compress.Compression
	rowGroupRows int

	w     *file.Writer
	kinds []record.Kind
	rows  [][]any
	// err is sticky; a failed row group leaves the file writer unusable
	err error
}

func (e *parquetEncoder) Encode(r record.Record) error {
	if e.err != nil {
		return e.err
	}
	if len(e.rows) > 0 && len(r.Fields) != len(e.rows[0]) {
		return errors.Errorf("record has %d fields, shard has %d columns", len(r.Fields), len(e.rows[0]))
	}
	if e.kinds != nil && len(r.Fields) != len(e.kinds) {
		return errors.Errorf("record has %d fields, shard has %d columns", len(r.Fields), len(e.kinds))
	}
	e.rows = append(e.rows, slices.Clone(r.Fields))
	if len(e.rows) >= e.rowGroupRows {
		e.err = e.flush()
	}
	return e.err
}

func (e *parquetEncoder) Close() error {
	if e.err != nil {
		return e.err
	}
	if len(e.rows) > 0 {
		if e.err = e.flush(); e.err != nil {
			return e.err
		}
	}
	if e.w == nil {
		return nil
	}
	return errors.Trace(e.w.Close())
}

func (e *parquetEncoder) open() error {
	width := len(e.rows[0])
	e.kinds = make([]record.Kind, width)
	fields := make(schema.FieldList, width)
	for i := range e.kinds {
		e.kinds[i] = record.KindString
		for _, row := range e.rows {
			if k := record.KindOf(row[i]); k != record.KindNull {
				e.kinds[i] = k
				break
			}
		}
		typ, converted := parquet.Types.ByteArray, schema.ConvertedTypes.None
		switch e.kinds[i] {
		case record.KindBool:
			typ = parquet.Types.Boolean
		case record.KindInt64:
			typ = parquet.Types.Int64
		case record.KindFloat64:
			typ = parquet.Types.Double
		case record.KindString:
			converted = schema.ConvertedTypes.UTF8
		}
		node, err := schema.NewPrimitiveNodeConverted(
			fmt.Sprintf("c%d", i), parquet.Repetitions.Optional,
			typ, converted, 0, 0, 0, -1)
		if err != nil {
			return errors.Trace(err)
		}
		fields[i] = node
	}
	root, err := schema.NewGroupNode("schema", parquet.Repetitions.Required, fields, -1)
	if err != nil {
		return errors.Trace(err)
	}
	props := parquet.NewWriterProperties(
		parquet.WithCompression(e.compression),
		parquet.WithVersion(parquet.V2_LATEST),
	)
	e.w = file.NewParquetWriter(e.sink, root, file.WithWriterProps(props))
	return nil
}

func (e *parquetEncoder) flush() error {
	if e.w == nil {
		if err := e.open(); err != nil {
			return err
		}
	}
	rgw := e.w.AppendRowGroup()
	for i, kind := range e.kinds {
		if err := e.writeColumn(rgw, i, kind); err != nil {
			return errors.Annotatef(err, "column c%d", i)
		}
	}
	e.rows = e.rows[:0]
	return errors.Trace(rgw.Close())
}

func (e *parquetEncoder) writeColumn(rgw file.SerialRowGroupWriter, col int, kind record.Kind) error {
	cw, err := rgw.NextColumn()
	if err != nil {
		return errors.Trace(err)
	}
	defLevels := make([]int16, len(e.rows))
	for j, row := range e.rows {
		switch k := record.KindOf(row[col]); k {
		case record.KindNull:
		case kind:
			defLevels[j] = 1
		default:
			cw.Close()
			return errors.Errorf("row holds %s, column is %s", k, kind)
		}
	}

	switch w := cw.(type) {
	case *file.BooleanColumnChunkWriter:
		_, err = w.WriteBatch(columnValues[bool](e.rows, col), defLevels, nil)
	case *file.Int64ColumnChunkWriter:
		_, err = w.WriteBatch(columnValues[int64](e.rows, col), defLevels, nil)
	case *file.Float64ColumnChunkWriter:
		_, err = w.WriteBatch(columnValues[float64](e.rows, col), defLevels, nil)
	case *file.ByteArrayColumnChunkWriter:
		values := make([]parquet.ByteArray, 0, len(e.rows))
		for _, row := range e.rows {
			switch v := row[col].(type) {
			case string:
				values = append(values, parquet.ByteArray(v))
			case []byte:
				values = append(values, v)
			}
		}
		_, err = w.WriteBatch(values, defLevels, nil)
	default:
		err = errors.Errorf("unexpected column writer %T", cw)
	}
	if err != nil {
		cw.Close()
		return errors.Trace(err)
	}
	return errors.Trace(cw.Close())
}

func columnValues[T any](rows [][]any, col int) []T {
	values := make([]T, 0, len(rows))
	for _, row := range rows {
		if v, ok := row[col].(T); ok {
			values = append(values, v)
		}
	}
	return values
}

type parquetDecoder struct {
	reader   *file.Reader
	kinds    []record.Kind
	rowGroup int
	rows     [][]any
	next     int
}

func (d *parquetDecoder) Decode() (record.Record, error) {
	for d.next >= len(d.rows) {
		if d.reader == nil || d.rowGroup >= d.reader.NumRowGroups() {
			return record.Record{}, io.EOF
		}
		if err := d.readRowGroup(); err != nil {
			return record.Record{}, err
		}
	}
	row := d.rows[d.next]
	d.next++
	return record.Record{Type: record.ArrayRecord, Fields: row}, nil
}

func (d *parquetDecoder) readRowGroup() error {
	rg := d.reader.RowGroup(d.rowGroup)
	d.rowGroup++
	n := rg.NumRows()
	rows := make([][]any, n)
	for i := range rows {
		rows[i] = make([]any, len(d.kinds))
	}
	for col := range d.kinds {
		cr, err := rg.Column(col)
		if err != nil {
			return errors.Trace(err)
		}
		if err := readColumn(cr, n, rows, col); err != nil {
			return errors.Annotatef(err, "column c%d", col)
		}
	}
	d.rows, d.next = rows, 0
	return nil
}

func readColumn(cr file.ColumnChunkReader, n int64, rows [][]any, col int) error {
	defLevels := make([]int16, n)
	var values []any
	switch r := cr.(type) {
	case *file.BooleanColumnChunkReader:
		buf := make([]bool, n)
		got, err := readBatches(n, defLevels, func(levels []int16, off int) (int64, int, error) {
			return r.ReadBatch(int64(len(levels)), buf[off:], levels, nil)
		})
		if err != nil {
			return err
		}
		values = boxed(buf[:got])
	case *file.Int64ColumnChunkReader:
		buf := make([]int64, n)
		got, err := readBatches(n, defLevels, func(levels []int16, off int) (int64, int, error) {
			return r.ReadBatch(int64(len(levels)), buf[off:], levels, nil)
		})
		if err != nil {
			return err
		}
		values = boxed(buf[:got])
	case *file.Float64ColumnChunkReader:
		buf := make([]float64, n)
		got, err := readBatches(n, defLevels, func(levels []int16, off int) (int64, int, error) {
			return r.ReadBatch(int64(len(levels)), buf[off:], levels, nil)
		})
		if err != nil {
			return err
		}
		values = boxed(buf[:got])
	case *file.ByteArrayColumnChunkReader:
		buf := make([]parquet.ByteArray, n)
		got, err := readBatches(n, defLevels, func(levels []int16, off int) (int64, int, error) {
			return r.ReadBatch(int64(len(levels)), buf[off:], levels, nil)
		})
		if err != nil {
			return err
		}
		utf8 := r.Descriptor().ConvertedType() == schema.ConvertedTypes.UTF8
		values = make([]any, got)
		for i, v := range buf[:got] {
			if utf8 {
				values[i] = string(v)
			} else {
				values[i] = bytes.Clone(v)
			}
		}
	default:
		return errors.Errorf("unexpected column reader %T", cr)
	}

	next := 0
	for i, level := range defLevels {
		if level == 0 {
			continue
		}
		if next >= len(values) {
			return errors.New("fewer values than definition levels")
		}
		rows[i][col] = values[next]
		next++
	}
	return nil
}

// readBatches fills defLevels by calling read until n levels are consumed
// and returns how many values were read.
func readBatches(n int64, defLevels []int16, read func(levels []int16, off int) (int64, int, error)) (int, error) {
	var levels int64
	values := 0
	for levels < n {
		total, got, err := read(defLevels[levels:], values)
		if err != nil {
			return 0, errors.Trace(err)
		}
		if total == 0 {
			return 0, errors.Errorf("column ended after %d of %d rows", levels, n)
		}
		levels += total
		values += got
	}
	return values, nil
}

func boxed[T any](in []T) []any {
	out := make([]any, len(in))
	for i, v := range in {
		out[i] = v
	}
	return out
}

func (d *parquetDecoder) Close() error {
	if d.reader == nil {
		return nil
	}
	return errors.Trace(d.reader.Close())
}
