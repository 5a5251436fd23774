// Package mongosrc reads a MongoDB collection split on a numeric field.
//
// Options:
//
//	uri              connection string
//	database         database name
//	collection       collection name
//	partition_field  numeric field used to split the collection
//	partitions       number of partitions, default 1
//	fields           comma separated field list, one record field each
package mongosrc

import (
	"context"
	"math"
	"time"

	"dataTransfer/src/etl"

	"github.com/pingcap/errors"
	"github.com/pingcap/log"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
	"go.uber.org/zap"
)

const (
	connectTimeout = 10 * time.Second
	pingTimeout    = 5 * time.Second
)

type source struct {
	uri        string
	database   string
	collection string
	field      string
	fields     []string
	partCount  int64
}

func parseOptions(opts etl.Options) (*source, error) {
	s := &source{}
	var err error
	if s.uri, err = opts.MustString("uri"); err != nil {
		return nil, err
	}
	if s.database, err = opts.MustString("database"); err != nil {
		return nil, err
	}
	if s.collection, err = opts.MustString("collection"); err != nil {
		return nil, err
	}
	if s.field, err = opts.MustString("partition_field"); err != nil {
		return nil, err
	}
	if s.fields, err = opts.Strings("fields"); err != nil {
		return nil, err
	}
	if len(s.fields) == 0 {
		return nil, etl.ConfigErrorf("option fields is required")
	}
	if s.partCount, err = opts.Int64("partitions", 1); err != nil {
		return nil, err
	}
	if s.partCount <= 0 {
		return nil, etl.ConfigErrorf("option partitions must be positive, got %d", s.partCount)
	}
	return s, nil
}

func (s *source) connect(ctx context.Context) (*mongo.Client, error) {
	connectCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()
	client, err := mongo.Connect(connectCtx, options.Client().ApplyURI(s.uri))
	if err != nil {
		return nil, errors.Annotate(err, "create mongo client")
	}

	pingCtx, pingCancel := context.WithTimeout(ctx, pingTimeout)
	defer pingCancel()
	if err := client.Ping(pingCtx, readpref.Primary()); err != nil {
		disconnect(ctx, client)
		return nil, errors.Annotate(err, "connect mongo")
	}
	return client, nil
}

func disconnect(ctx context.Context, client *mongo.Client) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), pingTimeout)
	defer cancel()
	if err := client.Disconnect(ctx); err != nil {
		log.Warn("failed to disconnect mongo client", zap.Error(err))
	}
}

// rangeFilter selects documents whose partition field falls in p.
func (s *source) rangeFilter(p *etl.RangePartition) bson.D {
	upper := "$lt"
	if p.LastInclusive {
		upper = "$lte"
	}
	return bson.D{{Key: s.field, Value: bson.D{
		{Key: "$gte", Value: p.Lower},
		{Key: upper, Value: p.Upper},
	}}}
}

func (s *source) projection() bson.D {
	proj := bson.D{}
	hasID := false
	for _, f := range s.fields {
		proj = append(proj, bson.E{Key: f, Value: 1})
		hasID = hasID || f == "_id"
	}
	if !hasID {
		proj = append(proj, bson.E{Key: "_id", Value: 0})
	}
	return proj
}

// bound returns the smallest (direction 1) or largest (direction -1) value
// of the partition field.
func (s *source) bound(ctx context.Context, coll *mongo.Collection, direction int) (int64, bool, error) {
	filter := bson.D{{Key: s.field, Value: bson.D{{Key: "$type", Value: "number"}}}}
	opts := options.FindOne().
		SetSort(bson.D{{Key: s.field, Value: direction}}).
		SetProjection(bson.D{{Key: s.field, Value: 1}})
	var doc bson.M
	err := coll.FindOne(ctx, filter, opts).Decode(&doc)
	if err == mongo.ErrNoDocuments {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, errors.Trace(err)
	}
	v, ok := toInt64(doc[s.field])
	if !ok {
		return 0, false, errors.Errorf("field %s holds %T, want a number", s.field, doc[s.field])
	}
	return v, true, nil
}

func toInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int32:
		return int64(n), true
	case int64:
		return n, true
	case float64:
		if f := math.Floor(n); f >= math.MinInt64 && f < math.MaxInt64 {
			return int64(f), true
		}
	}
	return 0, false
}

// Partitioner splits the partition field's value range.
type Partitioner struct{}

func (Partitioner) NewPartition() etl.Partition { return &etl.RangePartition{} }

func (Partitioner) Partition(ctx context.Context, opts etl.Options) ([]etl.Partition, error) {
	s, err := parseOptions(opts)
	if err != nil {
		return nil, err
	}
	client, err := s.connect(ctx)
	if err != nil {
		return nil, err
	}
	defer disconnect(ctx, client)

	coll := client.Database(s.database).Collection(s.collection)
	lower, ok, err := s.bound(ctx, coll, 1)
	if err != nil || !ok {
		return nil, err
	}
	upper, _, err := s.bound(ctx, coll, -1)
	if err != nil {
		return nil, err
	}
	ranges := splitInclusive(lower, upper, s.partCount)
	log.Info("mongo source partitioned", zap.String("collection", s.collection),
		zap.Int64("min", lower), zap.Int64("max", upper), zap.Int("partitions", len(ranges)))

	out := make([]etl.Partition, len(ranges))
	for i, r := range ranges {
		out[i] = r
	}
	return out, nil
}

// splitInclusive covers [lower, upper] with at most n ranges.
func splitInclusive(lower, upper, n int64) []*etl.RangePartition {
	if upper < math.MaxInt64 {
		return etl.SplitRange(lower, upper+1, n)
	}
	ranges := etl.SplitRange(lower, upper, n)
	if len(ranges) == 0 {
		ranges = []*etl.RangePartition{{Lower: lower, Upper: upper}}
	}
	ranges[len(ranges)-1].LastInclusive = true
	return ranges
}

// Extractor emits the configured fields of every document in one range,
// ordered by the partition field.
type Extractor struct{}

func (Extractor) Extract(ctx context.Context, opts etl.Options, p etl.Partition, sink etl.RecordSink) error {
	rp, ok := p.(*etl.RangePartition)
	if !ok {
		return etl.ConfigErrorf("partition %s is %T, want a range partition", p, p)
	}
	s, err := parseOptions(opts)
	if err != nil {
		return err
	}
	client, err := s.connect(ctx)
	if err != nil {
		return err
	}
	defer disconnect(ctx, client)

	coll := client.Database(s.database).Collection(s.collection)
	findOpts := options.Find().
		SetSort(bson.D{{Key: s.field, Value: 1}}).
		SetProjection(s.projection())
	cursor, err := coll.Find(ctx, s.rangeFilter(rp), findOpts)
	if err != nil {
		return errors.Annotatef(err, "find in %s", s.collection)
	}
	defer cursor.Close(ctx)

	row := make([]any, len(s.fields))
	for cursor.Next(ctx) {
		var doc bson.M
		if err := cursor.Decode(&doc); err != nil {
			return errors.Annotatef(err, "decode document in %s", s.collection)
		}
		if err := documentRow(row, doc, s.fields); err != nil {
			return err
		}
		if err := sink.WriteArrayRecord(ctx, row); err != nil {
			return err
		}
	}
	return errors.Trace(cursor.Err())
}

// documentRow fills row with doc's fields converted to record values.
// Missing fields become nulls.
func documentRow(row []any, doc bson.M, fields []string) error {
	for i, f := range fields {
		v, err := convertValue(doc[f])
		if err != nil {
			return errors.Annotatef(err, "field %s", f)
		}
		row[i] = v
	}
	return nil
}

func convertValue(v any) (any, error) {
	switch x := v.(type) {
	case nil, primitive.Null, primitive.Undefined:
		return nil, nil
	case primitive.ObjectID:
		return x.Hex(), nil
	case primitive.DateTime:
		return x.Time().UTC(), nil
	case primitive.Timestamp:
		return time.Unix(int64(x.T), 0).UTC(), nil
	case primitive.Decimal128:
		return x.String(), nil
	case primitive.Binary:
		return x.Data, nil
	case primitive.Regex:
		return x.String(), nil
	case bson.M, bson.D, bson.A:
		data, err := bson.MarshalExtJSON(bson.M{"v": x}, false, false)
		if err != nil {
			return nil, errors.Trace(err)
		}
		// strip the {"v": ...} wrapper
		return string(data[5 : len(data)-1]), nil
	default:
		return v, nil
	}
}

func init() {
	etl.RegisterPartitioner("mongo", func() etl.Partitioner { return Partitioner{} })
	etl.RegisterExtractor("mongo", func() etl.Extractor { return Extractor{} })
}
