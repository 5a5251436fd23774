package loader

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"runtime"
	"testing"

	"dataTransfer/src/codec"
	"dataTransfer/src/etl"
	"dataTransfer/src/record"

	"github.com/pingcap/errors"
	"github.com/pingcap/tidb/br/pkg/storage"
	"github.com/stretchr/testify/require"
)

func sampleRows(n int) [][]any {
	rows := make([][]any, 0, n)
	for i := 0; i < n; i++ {
		var note any = fmt.Sprintf("row, %d\n'quoted'", i)
		if i%7 == 0 {
			note = nil
		}
		rows = append(rows, []any{int64(10 + i), float64(10+i) / 4, note, i%2 == 0, []byte{byte(i), 0, 0xff}})
	}
	return rows
}

func newStore(t *testing.T) storage.ExternalStorage {
	store, err := storage.NewLocalStorage(t.TempDir())
	require.NoError(t, err)
	return store
}

func writeShard(t *testing.T, store storage.ExternalStorage, name string, format Format, c codec.Codec, opts FormatOptions, rows [][]any) *ShardWriter {
	ctx := context.Background()
	w, err := Create(ctx, store, name, format, c, WriterOptions{FormatOptions: opts})
	require.NoError(t, err)
	for _, row := range rows {
		require.NoError(t, w.WriteArrayRecord(ctx, row))
	}
	require.NoError(t, w.Close(ctx))
	require.EqualValues(t, len(rows), w.Records())
	return w
}

func TestFormatsDecodeIdenticalRecords(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	rows := sampleRows(300)
	schema := []record.Kind{record.KindInt64, record.KindFloat64, record.KindString, record.KindBool, record.KindBytes}

	var decoded [][]record.Record
	for _, name := range Formats() {
		format, err := GetFormat(name)
		require.NoError(t, err)
		shard := "part-m-00000" + format.Suffix(nil) + "." + name
		writeShard(t, store, shard, format, nil, FormatOptions{SyncInterval: 16, RowGroupRows: 64}, rows)

		got, err := ReadAll(ctx, store, shard, format, nil, schema)
		require.NoError(t, err)
		require.Len(t, got, len(rows), name)
		decoded = append(decoded, got)
	}

	for i, row := range rows {
		want := record.MustNew(row...)
		for j, got := range decoded {
			require.Truef(t, want.Equal(got[i]), "format %s row %d: want %s got %s", Formats()[j], i, want, got[i])
		}
	}
}

func TestCompressionIsTransparent(t *testing.T) {
	ctx := context.Background()
	rows := sampleRows(500)

	for _, formatName := range []string{"text", "sequence"} {
		format, err := GetFormat(formatName)
		require.NoError(t, err)
		plainStore := newStore(t)
		writeShard(t, plainStore, "plain", format, nil, FormatOptions{}, rows)
		plain, err := ReadAll(ctx, plainStore, "plain", format, nil, nil)
		require.NoError(t, err)

		for _, codecName := range codec.Names() {
			c, err := codec.Get(codecName)
			require.NoError(t, err)
			store := newStore(t)
			name := "part-m-00001" + format.Suffix(c)
			writeShard(t, store, name, format, c, FormatOptions{SyncInterval: 10}, rows)

			got, err := ReadAll(ctx, store, name, format, c, nil)
			require.NoError(t, err, "%s/%s", formatName, codecName)
			require.Equal(t, len(plain), len(got))
			for i := range plain {
				require.Equal(t, plain[i].String(), got[i].String())
			}
		}
	}
}

func TestShardSuffixes(t *testing.T) {
	gz, err := codec.Get("gzip")
	require.NoError(t, err)

	require.Equal(t, "", TextFormat{}.Suffix(nil))
	require.Equal(t, ".gz", TextFormat{}.Suffix(gz))
	require.Equal(t, ".seq", SequenceFormat{}.Suffix(nil))
	require.Equal(t, ".seq", SequenceFormat{}.Suffix(gz))
	require.Equal(t, ".parquet", ParquetFormat{}.Suffix(gz))
}

func TestTextShardContent(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	w := writeShard(t, store, "part-m-00000", TextFormat{}, nil, FormatOptions{}, [][]any{
		{10, 10.0, "10"},
		{11, 11.5, "a,b", nil},
	})
	data, err := store.ReadFile(ctx, "part-m-00000")
	require.NoError(t, err)
	require.Equal(t, "10,10.0,10\n11,11.5,'a,b',NULL\n", string(data))

	// the written schema keeps "10" a string
	schema := w.Schema()
	require.Equal(t, []record.Kind{record.KindInt64, record.KindFloat64, record.KindString, record.KindNull}, schema)
	got, err := ReadAll(ctx, store, "part-m-00000", TextFormat{}, nil, schema)
	require.NoError(t, err)
	require.Equal(t, "10", got[0].Fields[2])

	inferred, err := ReadAll(ctx, store, "part-m-00000", TextFormat{}, nil, nil)
	require.NoError(t, err)
	require.Equal(t, int64(10), inferred[0].Fields[2])
}

func TestSequenceRejectsCorruption(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	writeShard(t, store, "a.seq", SequenceFormat{}, nil, FormatOptions{SyncInterval: 2}, sampleRows(5))
	data, err := store.ReadFile(ctx, "a.seq")
	require.NoError(t, err)

	bad := append([]byte{}, data...)
	bad[0] = 'X'
	require.NoError(t, store.WriteFile(ctx, "bad-magic.seq", bad))
	_, err = ReadAll(ctx, store, "bad-magic.seq", SequenceFormat{}, nil, nil)
	require.Error(t, err)
	require.Equal(t, ErrCorruptSequence, errors.Cause(err))

	// flip the last byte of the header's sync marker; body markers no longer match
	headerLen := len(sequenceMagic) + 1 + 1 + syncMarkerSize
	bad = append([]byte{}, data...)
	bad[headerLen-1] ^= 0xff
	require.NoError(t, store.WriteFile(ctx, "bad-sync.seq", bad))
	_, err = ReadAll(ctx, store, "bad-sync.seq", SequenceFormat{}, nil, nil)
	require.ErrorContains(t, err, "sync marker mismatch")

	require.NoError(t, store.WriteFile(ctx, "short.seq", data[:len(data)-3]))
	_, err = ReadAll(ctx, store, "short.seq", SequenceFormat{}, nil, nil)
	require.Error(t, err)
}

func TestSequenceBoundsEntryLength(t *testing.T) {
	var header bytes.Buffer
	enc, err := SequenceFormat{}.NewEncoder(&header, nil, FormatOptions{})
	require.NoError(t, err)
	require.NoError(t, enc.Close())

	decode := func(length uint64, body []byte) error {
		data := binary.AppendUvarint(append([]byte{}, header.Bytes()...), length)
		dec, err := SequenceFormat{}.NewDecoder(bytes.NewReader(append(data, body...)), nil, nil)
		require.NoError(t, err)
		_, err = dec.Decode()
		return err
	}

	err = decode(maxSequenceEntry+1, []byte{1, 2, 3})
	require.Equal(t, ErrCorruptSequence, errors.Cause(err))
	require.ErrorContains(t, err, "entry of")

	// a length just under the limit with almost no data behind it must not
	// allocate the claimed size
	var before, after runtime.MemStats
	runtime.ReadMemStats(&before)
	err = decode(maxSequenceEntry, []byte{1, 2, 3})
	runtime.ReadMemStats(&after)
	require.Equal(t, ErrCorruptSequence, errors.Cause(err))
	require.ErrorContains(t, err, "truncated entry, 0 of")
	require.Less(t, after.TotalAlloc-before.TotalAlloc, uint64(8<<20))
}

func TestEmptyShards(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	for _, name := range Formats() {
		format, err := GetFormat(name)
		require.NoError(t, err)
		writeShard(t, store, "empty."+name, format, nil, FormatOptions{}, nil)
		got, err := ReadAll(ctx, store, "empty."+name, format, nil, nil)
		require.NoError(t, err)
		require.Empty(t, got)
	}
}

func TestParquetColumnTypes(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	snappy, err := codec.Get("snappy")
	require.NoError(t, err)

	rows := [][]any{{nil, int64(1)}, {"x", int64(2)}, {nil, nil}}
	writeShard(t, store, "p.parquet", ParquetFormat{}, snappy, FormatOptions{RowGroupRows: 2}, rows)
	got, err := ReadAll(ctx, store, "p.parquet", ParquetFormat{}, snappy, nil)
	require.NoError(t, err)
	require.Len(t, got, 3)
	require.Equal(t, "NULL,1", got[0].String())
	require.Equal(t, "x,2", got[1].String())
	require.Equal(t, "NULL,NULL", got[2].String())

	w, err := Create(ctx, store, "mixed.parquet", ParquetFormat{}, nil, WriterOptions{FormatOptions: FormatOptions{RowGroupRows: 1}})
	require.NoError(t, err)
	require.NoError(t, w.WriteArrayRecord(ctx, []any{1}))
	err = w.WriteArrayRecord(ctx, []any{"one"})
	require.True(t, etl.ErrPersistence.Equal(err), "%v", err)
	require.NoError(t, w.Abort(ctx))
}

func TestParquetRejectsUnsupportedCodec(t *testing.T) {
	deflate, err := codec.Get("deflate")
	require.NoError(t, err)
	err = ParquetFormat{}.Validate(deflate)
	require.True(t, etl.ErrConfiguration.Equal(err))

	_, err = Create(context.Background(), newStore(t), "x.parquet", ParquetFormat{}, deflate, WriterOptions{})
	require.True(t, etl.ErrConfiguration.Equal(err))
}

func TestAbortRemovesShard(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	w, err := Create(ctx, store, "_temporary/job/part-m-00002", TextFormat{}, nil, WriterOptions{})
	require.NoError(t, err)
	require.NoError(t, w.WriteArrayRecord(ctx, []any{1, "a"}))
	require.NoError(t, w.Abort(ctx))

	exists, err := store.FileExists(ctx, "_temporary/job/part-m-00002")
	require.NoError(t, err)
	require.False(t, exists)

	err = w.WriteArrayRecord(ctx, []any{2})
	require.True(t, etl.ErrPersistence.Equal(err))
}

func TestWriteStopsOnCancelledContext(t *testing.T) {
	store := newStore(t)
	w, err := Create(context.Background(), store, "c", TextFormat{}, nil, WriterOptions{})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err = w.WriteArrayRecord(ctx, []any{1})
	require.ErrorIs(t, err, context.Canceled)
	require.NoError(t, w.Abort(ctx))
}

func TestUnsupportedFieldType(t *testing.T) {
	ctx := context.Background()
	w, err := Create(ctx, newStore(t), "u", TextFormat{}, nil, WriterOptions{})
	require.NoError(t, err)
	err = w.WriteArrayRecord(ctx, []any{struct{}{}})
	require.True(t, etl.ErrPersistence.Equal(err))
	require.NoError(t, w.Close(ctx))

	_, err = GetFormat("avro")
	require.True(t, etl.ErrConfiguration.Equal(err))
}
