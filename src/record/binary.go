package record

import (
	"encoding/binary"
	"math"

	"github.com/pingcap/errors"
)

// AppendBinary appends the canonical binary encoding of r to buf:
//
//	contentType u8 | fieldCount uvarint | { kind u8 | payload }*
func AppendBinary(buf []byte, r Record) []byte {
	buf = append(buf, byte(r.Type))
	buf = binary.AppendUvarint(buf, uint64(len(r.Fields)))
	for _, v := range r.Fields {
		buf = append(buf, byte(KindOf(v)))
		switch x := v.(type) {
		case bool:
			if x {
				buf = append(buf, 1)
			} else {
				buf = append(buf, 0)
			}
		case int64:
			buf = binary.AppendVarint(buf, x)
		case float64:
			buf = binary.BigEndian.AppendUint64(buf, math.Float64bits(x))
		case string:
			buf = binary.AppendUvarint(buf, uint64(len(x)))
			buf = append(buf, x...)
		case []byte:
			buf = binary.AppendUvarint(buf, uint64(len(x)))
			buf = append(buf, x...)
		}
	}
	return buf
}

// DecodeBinary decodes a record produced by AppendBinary. The input must
// contain exactly one record.
func DecodeBinary(data []byte) (Record, error) {
	d := decoder{data: data}
	ct := ContentType(d.byte())
	if d.err == nil && ct != ArrayRecord {
		return Record{}, errors.Errorf("unsupported content type %d", ct)
	}
	n := d.uvarint()
	if d.err == nil && n > uint64(len(data)) {
		return Record{}, errors.Errorf("field count %d exceeds record size", n)
	}

	fields := make([]any, 0, n)
	for i := uint64(0); i < n && d.err == nil; i++ {
		switch kind := Kind(d.byte()); kind {
		case KindNull:
			fields = append(fields, nil)
		case KindBool:
			fields = append(fields, d.byte() != 0)
		case KindInt64:
			fields = append(fields, d.varint())
		case KindFloat64:
			fields = append(fields, math.Float64frombits(d.uint64()))
		case KindString:
			fields = append(fields, string(d.bytes()))
		case KindBytes:
			fields = append(fields, append([]byte{}, d.bytes()...))
		default:
			if d.err == nil {
				d.err = errors.Errorf("unknown field kind %d", uint8(kind))
			}
		}
	}
	if d.err != nil {
		return Record{}, d.err
	}
	if d.off != len(data) {
		return Record{}, errors.Errorf("%d trailing bytes after record", len(data)-d.off)
	}
	return Record{Type: ct, Fields: fields}, nil
}

type decoder struct {
	data []byte
	off  int
	err  error
}

var errTruncated = errors.New("truncated record")

func (d *decoder) byte() byte {
	if d.err != nil {
		return 0
	}
	if d.off >= len(d.data) {
		d.err = errors.Trace(errTruncated)
		return 0
	}
	b := d.data[d.off]
	d.off++
	return b
}

func (d *decoder) uvarint() uint64 {
	if d.err != nil {
		return 0
	}
	v, n := binary.Uvarint(d.data[d.off:])
	if n <= 0 {
		d.err = errors.Trace(errTruncated)
		return 0
	}
	d.off += n
	return v
}

func (d *decoder) varint() int64 {
	if d.err != nil {
		return 0
	}
	v, n := binary.Varint(d.data[d.off:])
	if n <= 0 {
		d.err = errors.Trace(errTruncated)
		return 0
	}
	d.off += n
	return v
}

func (d *decoder) uint64() uint64 {
	if d.err != nil {
		return 0
	}
	if len(d.data)-d.off < 8 {
		d.err = errors.Trace(errTruncated)
		return 0
	}
	v := binary.BigEndian.Uint64(d.data[d.off:])
	d.off += 8
	return v
}

func (d *decoder) bytes() []byte {
	n := d.uvarint()
	if d.err != nil {
		return nil
	}
	if uint64(len(d.data)-d.off) < n {
		d.err = errors.Trace(errTruncated)
		return nil
	}
	b := d.data[d.off : d.off+int(n)]
	d.off += int(n)
	return b
}
