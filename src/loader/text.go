package loader

import (
	"bufio"
	"io"
	"strings"

	"dataTransfer/src/codec"
	"dataTransfer/src/record"

	"github.com/pingcap/errors"
)

// TextFormat writes one canonical text line per record. The shard name only
// carries the codec extension, e.g. part-m-00003.gz.
type TextFormat struct{}

func (TextFormat) Name() string { return "text" }

func (TextFormat) Suffix(c codec.Codec) string { return codec.Extension(c) }

func (TextFormat) Validate(codec.Codec) error { return nil }

func (TextFormat) NewEncoder(w io.Writer, c codec.Codec, opts FormatOptions) (Encoder, error) {
	opts = opts.withDefaults()
	enc := &textEncoder{}
	if c != nil {
		cw, err := c.NewWriter(w)
		if err != nil {
			return nil, errors.Annotatef(err, "open %s compressor", c.Name())
		}
		enc.compressor = cw
		w = cw
	}
	enc.w = bufio.NewWriterSize(w, opts.BufferSize)
	return enc, nil
}

func (TextFormat) NewDecoder(r io.Reader, c codec.Codec, schema []record.Kind) (Decoder, error) {
	dec := &textDecoder{schema: schema}
	if c != nil {
		cr, err := c.NewReader(r)
		if err != nil {
			return nil, errors.Annotatef(err, "open %s decompressor", c.Name())
		}
		dec.decompressor = cr
		r = cr
	}
	dec.r = bufio.NewReader(r)
	return dec, nil
}

type textEncoder struct {
	w          *bufio.Writer
	compressor io.WriteCloser
	buf        []byte
}

func (e *textEncoder) Encode(r record.Record) error {
	e.buf = record.AppendText(e.buf[:0], r)
	e.buf = append(e.buf, record.RecordDelimiter)
	_, err := e.w.Write(e.buf)
	return errors.Trace(err)
}

func (e *textEncoder) Close() error {
	if err := e.w.Flush(); err != nil {
		return errors.Trace(err)
	}
	if e.compressor != nil {
		return errors.Trace(e.compressor.Close())
	}
	return nil
}

type textDecoder struct {
	r            *bufio.Reader
	decompressor io.ReadCloser
	schema       []record.Kind
	line         int
}

func (d *textDecoder) Decode() (record.Record, error) {
	line, err := d.r.ReadString(record.RecordDelimiter)
	if err == io.EOF {
		if line == "" {
			return record.Record{}, io.EOF
		}
	} else if err != nil {
		return record.Record{}, errors.Trace(err)
	}
	d.line++
	rec, err := record.ParseText(strings.TrimSuffix(line, string(record.RecordDelimiter)), d.schema)
	if err != nil {
		return record.Record{}, errors.Annotatef(err, "line %d", d.line)
	}
	return rec, nil
}

func (d *textDecoder) Close() error {
	if d.decompressor != nil {
		return errors.Trace(d.decompressor.Close())
	}
	return nil
}
