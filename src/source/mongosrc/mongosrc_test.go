package mongosrc

import (
	"context"
	"math"
	"testing"
	"time"

	"dataTransfer/src/etl"

	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

func TestParseOptions(t *testing.T) {
	s, err := parseOptions(etl.NewOptions(map[string]any{
		"uri":             "mongodb://localhost:27017",
		"database":        "shop",
		"collection":      "orders",
		"partition_field": "seq",
		"fields":          "seq, total,_id",
		"partitions":      3,
	}))
	require.NoError(t, err)
	require.Equal(t, []string{"seq", "total", "_id"}, s.fields)
	require.EqualValues(t, 3, s.partCount)
	require.Equal(t, bson.D{{Key: "seq", Value: 1}, {Key: "total", Value: 1}, {Key: "_id", Value: 1}}, s.projection())

	_, err = parseOptions(etl.NewOptions(map[string]any{
		"uri": "mongodb://localhost", "database": "shop", "collection": "orders", "partition_field": "seq",
	}))
	require.True(t, etl.ErrConfiguration.Equal(err))

	_, err = Partitioner{}.Partition(context.Background(), etl.NewOptions(nil))
	require.True(t, etl.ErrConfiguration.Equal(err))
}

func TestRangeFilter(t *testing.T) {
	s := &source{field: "seq", fields: []string{"a"}}
	require.Equal(t, bson.D{{Key: "seq", Value: bson.D{
		{Key: "$gte", Value: int64(5)}, {Key: "$lt", Value: int64(9)},
	}}}, s.rangeFilter(&etl.RangePartition{Lower: 5, Upper: 9}))
	require.Equal(t, bson.D{{Key: "seq", Value: bson.D{
		{Key: "$gte", Value: int64(5)}, {Key: "$lte", Value: int64(9)},
	}}}, s.rangeFilter(&etl.RangePartition{Lower: 5, Upper: 9, LastInclusive: true}))
	require.Equal(t, bson.D{{Key: "a", Value: 1}, {Key: "_id", Value: 0}}, s.projection())
}

func TestSplitInclusive(t *testing.T) {
	ranges := splitInclusive(1, 10, 3)
	require.Len(t, ranges, 3)
	require.Equal(t, "#2[8, 11)", ranges[2].String())

	ranges = splitInclusive(math.MaxInt64-1, math.MaxInt64, 4)
	require.Len(t, ranges, 1)
	require.True(t, ranges[0].Contains(math.MaxInt64))

	ranges = splitInclusive(7, 7, 2)
	require.Len(t, ranges, 1)
	require.True(t, ranges[0].Contains(7))
}

func TestDocumentRow(t *testing.T) {
	id := primitive.NewObjectID()
	ts := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	doc := bson.M{
		"_id":   id,
		"seq":   int32(4),
		"total": 12.5,
		"at":    primitive.NewDateTimeFromTime(ts),
		"tags":  bson.A{"a", "b"},
		"blob":  primitive.Binary{Data: []byte{1, 2}},
	}
	row := make([]any, 7)
	require.NoError(t, documentRow(row, doc, []string{"_id", "seq", "total", "at", "tags", "blob", "missing"}))
	require.Equal(t, id.Hex(), row[0])
	require.Equal(t, int32(4), row[1])
	require.Equal(t, 12.5, row[2])
	require.Equal(t, ts, row[3])
	require.Equal(t, `["a","b"]`, row[4])
	require.Equal(t, []byte{1, 2}, row[5])
	require.Nil(t, row[6])
}

func TestToInt64(t *testing.T) {
	v, ok := toInt64(int32(3))
	require.True(t, ok)
	require.EqualValues(t, 3, v)
	v, ok = toInt64(3.7)
	require.True(t, ok)
	require.EqualValues(t, 3, v)
	_, ok = toInt64("3")
	require.False(t, ok)
}
