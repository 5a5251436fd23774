package loader

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"io"
	"slices"

	"dataTransfer/src/codec"
	"dataTransfer/src/record"

	"github.com/google/uuid"
	"github.com/pingcap/errors"
)

const (
	sequenceMagic   = "DTSQ"
	sequenceVersion = 1
	syncMarkerSize  = 16
	// SequenceSuffix is used for sequence shards whatever the codec.
	SequenceSuffix = ".seq"

	// an entry holds one record, so a longer length prefix is corruption
	maxSequenceEntry = 64 << 20
	// entries beyond the reused buffer are read in chunks of this size, so a
	// corrupt length costs no more memory than the bytes actually present
	sequenceReadChunk = 1 << 20
)

// ErrCorruptSequence is returned when a sequence shard does not parse.
var ErrCorruptSequence = errors.New("corrupt sequence file")

// SequenceFormat is a length-framed binary container:
//
//	"DTSQ" | version u8 | uvarint len + codec name | sync marker [16]byte
//	body (compressed when a codec is set):
//	  { uvarint(len) | binary record }*, with uvarint(0) | sync marker
//	  inserted every SyncInterval records.
//
// The header names the codec, so readers need no outside knowledge.
type SequenceFormat struct{}

func (SequenceFormat) Name() string { return "sequence" }

func (SequenceFormat) Suffix(codec.Codec) string { return SequenceSuffix }

func (SequenceFormat) Validate(codec.Codec) error { return nil }

func (SequenceFormat) NewEncoder(w io.Writer, c codec.Codec, opts FormatOptions) (Encoder, error) {
	opts = opts.withDefaults()
	marker := uuid.New()
	codecName := ""
	if c != nil {
		codecName = c.Name()
	}

	header := make([]byte, 0, len(sequenceMagic)+1+binary.MaxVarintLen64+len(codecName)+syncMarkerSize)
	header = append(header, sequenceMagic...)
	header = append(header, sequenceVersion)
	header = binary.AppendUvarint(header, uint64(len(codecName)))
	header = append(header, codecName...)
	header = append(header, marker[:]...)
	if _, err := w.Write(header); err != nil {
		return nil, errors.Trace(err)
	}

	enc := &sequenceEncoder{marker: marker, interval: opts.SyncInterval}
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

// NewDecoder ignores c and schema: both are recorded in the shard itself.
func (SequenceFormat) NewDecoder(r io.Reader, _ codec.Codec, _ []record.Kind) (Decoder, error) {
	br := bufio.NewReader(r)

	magic := make([]byte, len(sequenceMagic)+1)
	if _, err := io.ReadFull(br, magic); err != nil {
		return nil, errors.Annotate(ErrCorruptSequence, "short header")
	}
	if string(magic[:len(sequenceMagic)]) != sequenceMagic {
		return nil, errors.Annotatef(ErrCorruptSequence, "bad magic %q", magic[:len(sequenceMagic)])
	}
	if v := magic[len(sequenceMagic)]; v != sequenceVersion {
		return nil, errors.Annotatef(ErrCorruptSequence, "unsupported version %d", v)
	}
	nameLen, err := binary.ReadUvarint(br)
	if err != nil || nameLen > 64 {
		return nil, errors.Annotate(ErrCorruptSequence, "bad codec name")
	}
	name := make([]byte, nameLen)
	if _, err := io.ReadFull(br, name); err != nil {
		return nil, errors.Annotate(ErrCorruptSequence, "short codec name")
	}
	dec := &sequenceDecoder{}
	if _, err := io.ReadFull(br, dec.marker[:]); err != nil {
		return nil, errors.Annotate(ErrCorruptSequence, "short sync marker")
	}

	if nameLen == 0 {
		dec.r = br
		return dec, nil
	}
	c, err := codec.Get(string(name))
	if err != nil {
		return nil, errors.Trace(err)
	}
	cr, err := c.NewReader(br)
	if err != nil {
		return nil, errors.Annotatef(err, "open %s decompressor", c.Name())
	}
	dec.decompressor = cr
	dec.r = bufio.NewReader(cr)
	return dec, nil
}

type sequenceEncoder struct {
	w          *bufio.Writer
	compressor io.WriteCloser
	marker     uuid.UUID
	interval   int
	count      int
	buf        []byte
}

func (e *sequenceEncoder) Encode(r record.Record) error {
	if e.count > 0 && e.count%e.interval == 0 {
		if err := e.writeSync(); err != nil {
			return err
		}
	}
	e.buf = record.AppendBinary(e.buf[:0], r)
	var lenBuf [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(lenBuf[:], uint64(len(e.buf)))
	if _, err := e.w.Write(lenBuf[:n]); err != nil {
		return errors.Trace(err)
	}
	if _, err := e.w.Write(e.buf); err != nil {
		return errors.Trace(err)
	}
	e.count++
	return nil
}

func (e *sequenceEncoder) writeSync() error {
	if err := e.w.WriteByte(0); err != nil {
		return errors.Trace(err)
	}
	_, err := e.w.Write(e.marker[:])
	return errors.Trace(err)
}

func (e *sequenceEncoder) Close() error {
	if err := e.w.Flush(); err != nil {
		return errors.Trace(err)
	}
	if e.compressor != nil {
		return errors.Trace(e.compressor.Close())
	}
	return nil
}

type sequenceDecoder struct {
	r            *bufio.Reader
	decompressor io.ReadCloser
	marker       [syncMarkerSize]byte
	buf          []byte
}

func (d *sequenceDecoder) Decode() (record.Record, error) {
	for {
		n, err := binary.ReadUvarint(d.r)
		if err == io.EOF {
			return record.Record{}, io.EOF
		}
		if err != nil {
			return record.Record{}, errors.Annotate(ErrCorruptSequence, err.Error())
		}
		if n == 0 {
			var got [syncMarkerSize]byte
			if _, err := io.ReadFull(d.r, got[:]); err != nil {
				return record.Record{}, errors.Annotate(ErrCorruptSequence, "short sync marker")
			}
			if !bytes.Equal(got[:], d.marker[:]) {
				return record.Record{}, errors.Annotate(ErrCorruptSequence, "sync marker mismatch")
			}
			continue
		}
		if n > maxSequenceEntry {
			return record.Record{}, errors.Annotatef(ErrCorruptSequence, "entry of %d bytes", n)
		}
		if err := d.readEntry(int(n)); err != nil {
			return record.Record{}, err
		}
		rec, err := record.DecodeBinary(d.buf)
		return rec, errors.Trace(err)
	}
}

func (d *sequenceDecoder) readEntry(n int) error {
	if n <= cap(d.buf) {
		d.buf = d.buf[:n]
		if _, err := io.ReadFull(d.r, d.buf); err != nil {
			return errors.Annotate(ErrCorruptSequence, "truncated entry")
		}
		return nil
	}
	d.buf = d.buf[:0]
	for len(d.buf) < n {
		start := len(d.buf)
		d.buf = slices.Grow(d.buf, min(n-start, sequenceReadChunk))
		d.buf = d.buf[:start+min(n-start, sequenceReadChunk)]
		if _, err := io.ReadFull(d.r, d.buf[start:]); err != nil {
			return errors.Annotatef(ErrCorruptSequence, "truncated entry, %d of %d bytes", start, n)
		}
	}
	return nil
}

func (d *sequenceDecoder) Close() error {
	if d.decompressor != nil {
		return errors.Trace(d.decompressor.Close())
	}
	return nil
}
