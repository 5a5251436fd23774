// Package sqlsrc reads a table through database/sql. The partitioner splits
// the range of an integer column, the extractor selects one range per task.
//
// Options:
//
//	driver            mysql, pgx (postgres), sqlite or sqlserver (mssql)
//	dsn               driver connection string
//	table             source table
//	columns           comma separated column list, default all columns
//	partition_column  integer column used to split the table
//	partitions        number of partitions, default 1
//	where             extra filter applied to every query
package sqlsrc

import (
	"context"
	"database/sql"
	"fmt"
	"math"
	"regexp"
	"strings"
	"time"

	"dataTransfer/src/etl"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/microsoft/go-mssqldb"
	"github.com/pingcap/errors"
	"github.com/pingcap/log"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"
)

const pingTimeout = 5 * time.Second

var driverAliases = map[string]string{
	"mysql":      "mysql",
	"tidb":       "mysql",
	"pgx":        "pgx",
	"postgres":   "pgx",
	"postgresql": "pgx",
	"sqlite":     "sqlite",
	"sqlite3":    "sqlite",
	"sqlserver":  "sqlserver",
	"mssql":      "sqlserver",
}

var identifier = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_$]*(\.[A-Za-z_][A-Za-z0-9_$]*)?$`)

// source is the parsed option set shared by the partitioner and extractor.
type source struct {
	driver    string
	dsn       string
	table     string
	columns   []string
	column    string
	where     string
	partCount int64
}

func parseOptions(opts etl.Options) (*source, error) {
	driver, err := opts.MustString("driver")
	if err != nil {
		return nil, err
	}
	s := &source{driver: driverAliases[strings.ToLower(driver)]}
	if s.driver == "" {
		return nil, etl.ConfigErrorf("unknown sql driver %q", driver)
	}
	if s.dsn, err = opts.MustString("dsn"); err != nil {
		return nil, err
	}
	if s.table, err = opts.MustString("table"); err != nil {
		return nil, err
	}
	if s.column, err = opts.MustString("partition_column"); err != nil {
		return nil, err
	}
	if s.columns, err = opts.Strings("columns"); err != nil {
		return nil, err
	}
	if s.where, err = opts.String("where", ""); err != nil {
		return nil, err
	}
	if s.partCount, err = opts.Int64("partitions", 1); err != nil {
		return nil, err
	}
	if s.partCount <= 0 {
		return nil, etl.ConfigErrorf("option partitions must be positive, got %d", s.partCount)
	}

	names := append([]string{s.table, s.column}, s.columns...)
	for _, name := range names {
		if !identifier.MatchString(name) {
			return nil, etl.ConfigErrorf("invalid sql identifier %q", name)
		}
	}
	return s, nil
}

func (s *source) quote(name string) string {
	parts := strings.Split(name, ".")
	for i, p := range parts {
		switch s.driver {
		case "mysql":
			parts[i] = "`" + p + "`"
		case "sqlserver":
			parts[i] = "[" + p + "]"
		default:
			parts[i] = `"` + p + `"`
		}
	}
	return strings.Join(parts, ".")
}

func (s *source) placeholder(n int) string {
	switch s.driver {
	case "pgx":
		return fmt.Sprintf("$%d", n)
	case "sqlserver":
		return fmt.Sprintf("@p%d", n)
	default:
		return "?"
	}
}

func (s *source) filter(conds ...string) string {
	if s.where != "" {
		conds = append(conds, "("+s.where+")")
	}
	if len(conds) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(conds, " AND ")
}

func (s *source) boundsQuery() string {
	col := s.quote(s.column)
	return fmt.Sprintf("SELECT MIN(%s), MAX(%s) FROM %s%s", col, col, s.quote(s.table), s.filter())
}

func (s *source) rangeQuery(p *etl.RangePartition) string {
	col := s.quote(s.column)
	upper := "<"
	if p.LastInclusive {
		upper = "<="
	}
	selected := "*"
	if len(s.columns) > 0 {
		quoted := make([]string, len(s.columns))
		for i, c := range s.columns {
			quoted[i] = s.quote(c)
		}
		selected = strings.Join(quoted, ", ")
	}
	return fmt.Sprintf("SELECT %s FROM %s%s ORDER BY %s", selected, s.quote(s.table),
		s.filter(col+" >= "+s.placeholder(1), col+" "+upper+" "+s.placeholder(2)), col)
}

// open connects and pings the database.
func (s *source) open(ctx context.Context) (*sql.DB, error) {
	db, err := sql.Open(s.driver, s.dsn)
	if err != nil {
		return nil, errors.Annotatef(err, "open %s", s.driver)
	}
	db.SetMaxOpenConns(2)
	db.SetConnMaxLifetime(10 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, errors.Annotatef(err, "connect %s", s.driver)
	}
	return db, nil
}

// Partitioner splits [MIN(partition_column), MAX(partition_column)] into
// contiguous integer ranges.
type Partitioner struct{}

func (Partitioner) NewPartition() etl.Partition { return &etl.RangePartition{} }

func (Partitioner) Partition(ctx context.Context, opts etl.Options) ([]etl.Partition, error) {
	s, err := parseOptions(opts)
	if err != nil {
		return nil, err
	}
	db, err := s.open(ctx)
	if err != nil {
		return nil, err
	}
	defer db.Close()

	var lower, upper sql.NullInt64
	if err := db.QueryRowContext(ctx, s.boundsQuery()).Scan(&lower, &upper); err != nil {
		return nil, errors.Annotatef(err, "read bounds of %s.%s", s.table, s.column)
	}
	if !lower.Valid || !upper.Valid {
		log.Info("sql source is empty", zap.String("table", s.table))
		return nil, nil
	}

	var ranges []*etl.RangePartition
	if upper.Int64 == math.MaxInt64 {
		ranges = etl.SplitRange(lower.Int64, upper.Int64, s.partCount)
		if len(ranges) == 0 {
			ranges = []*etl.RangePartition{{Lower: lower.Int64, Upper: upper.Int64}}
		}
		ranges[len(ranges)-1].LastInclusive = true
	} else {
		ranges = etl.SplitRange(lower.Int64, upper.Int64+1, s.partCount)
	}

	log.Info("sql source partitioned", zap.String("table", s.table), zap.String("column", s.column),
		zap.Int64("min", lower.Int64), zap.Int64("max", upper.Int64), zap.Int("partitions", len(ranges)))
	out := make([]etl.Partition, len(ranges))
	for i, r := range ranges {
		out[i] = r
	}
	return out, nil
}

// Extractor selects the rows of one range, ordered by the partition column.
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
	db, err := s.open(ctx)
	if err != nil {
		return err
	}
	defer db.Close()

	rows, err := db.QueryContext(ctx, s.rangeQuery(rp), rp.Lower, rp.Upper)
	if err != nil {
		return errors.Annotatef(err, "query %s", s.table)
	}
	defer rows.Close()

	types, err := rows.ColumnTypes()
	if err != nil {
		return errors.Trace(err)
	}
	binary := make([]bool, len(types))
	for i, t := range types {
		binary[i] = isBinaryType(t.DatabaseTypeName())
	}

	values := make([]any, len(types))
	ptrs := make([]any, len(types))
	for i := range values {
		ptrs[i] = &values[i]
	}
	for rows.Next() {
		if err := rows.Scan(ptrs...); err != nil {
			return errors.Annotatef(err, "scan %s", s.table)
		}
		for i, v := range values {
			if b, ok := v.([]byte); ok && !binary[i] {
				values[i] = string(b)
			}
		}
		if err := sink.WriteArrayRecord(ctx, values); err != nil {
			return err
		}
	}
	return errors.Trace(rows.Err())
}

func isBinaryType(name string) bool {
	name = strings.ToUpper(name)
	return strings.Contains(name, "BLOB") || strings.Contains(name, "BINARY") ||
		name == "BYTEA" || name == "IMAGE"
}

func init() {
	etl.RegisterPartitioner("sql", func() etl.Partitioner { return Partitioner{} })
	etl.RegisterExtractor("sql", func() etl.Extractor { return Extractor{} })
}
