package synthetic

import (
	"encoding/json"
	"os"
	"strconv"
	"strings"

	"dataTransfer/src/record"

	"github.com/cznic/mathutil"
	"github.com/pingcap/errors"
	"github.com/pingcap/tidb/pkg/ddl"
	"github.com/pingcap/tidb/pkg/meta/model"
	"github.com/pingcap/tidb/pkg/parser"
	"github.com/pingcap/tidb/pkg/parser/ast"
	"github.com/pingcap/tidb/pkg/parser/mysql"
	_ "github.com/pingcap/tidb/pkg/planner/core" // to setup expression.EvalSimpleAst for in core_init
	"github.com/pingcap/tidb/pkg/types"
	_ "github.com/pingcap/tidb/pkg/util/collate"
	"github.com/pingcap/tidb/pkg/util/mock"
)

// validChar is a set of characters used to generate random strings.
const validChar = "0123456789abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ_&*!.;<>?:-+()[]{}"

// NumericOrder defines the order of numeric data in a column.
type NumericOrder int

const (
	NumericNoOrder NumericOrder = iota
	NumericTotalOrder
	NumericPartialOrder
	NumericRandomOrder
)

func (o NumericOrder) String() string {
	switch o {
	case NumericTotalOrder:
		return "total"
	case NumericPartialOrder:
		return "partial"
	case NumericRandomOrder:
		return "random"
	default:
		return "none"
	}
}

// ColumnSpec defines the properties of a column to generate
type ColumnSpec struct {
	Name     string // column name, lower case
	OrigName string
	SQLType  string      // type in SQL, e.g., "int", "varchar"
	Kind     record.Kind // kind of the generated field

	TypeLen   int // bit width for integers, max length for strings
	MinLen    int // minimum length for string types, defaults to TypeLen * 0.75
	Precision int
	Scale     int

	NullPercent int
	ValueSet    []string
	IntSet      []int64
	IsUnique    bool
	Order       NumericOrder
	Mean        int
	StdDev      int
	Signed      bool
	Compress    int
}

func splitCommentOpts(comment string) ([]string, error) {
	var (
		opts         []string
		start        int
		bracketDepth int
		inQuotes     bool
	)

	for i := range comment {
		switch comment[i] {
		case '"':
			inQuotes = !inQuotes
		case '[':
			if !inQuotes {
				bracketDepth++
			}
		case ']':
			if !inQuotes {
				bracketDepth--
				if bracketDepth < 0 {
					return nil, errors.Errorf("malformed comment: %q", comment)
				}
			}
		case ',':
			if !inQuotes && bracketDepth == 0 {
				if opt := comment[start:i]; opt != "" {
					opts = append(opts, opt)
				}
				start = i + 1
			}
		}
	}

	if inQuotes || bracketDepth != 0 {
		return nil, errors.Errorf("malformed comment: %q", comment)
	}
	if start < len(comment) {
		opts = append(opts, comment[start:])
	}
	return opts, nil
}

// parseComment reads generation options from a column comment, e.g.
// COMMENT 'null_percent=10,order=total_order,set=["a","b"]'.
func (c *ColumnSpec) parseComment(comment string) error {
	comment = strings.ReplaceAll(comment, " ", "")
	if comment == "" {
		return nil
	}

	opts, err := splitCommentOpts(comment)
	if err != nil {
		return err
	}

	atoi := func(k, v string) (int, error) {
		n, err := strconv.Atoi(v)
		if err != nil {
			return 0, errors.Errorf("invalid %s for column %s: %q", k, c.Name, v)
		}
		return n, nil
	}

	for _, opt := range opts {
		k, v, ok := strings.Cut(opt, "=")
		if !ok {
			return errors.Errorf("malformed comment option: %q", opt)
		}
		switch k {
		case "null_percent":
			n, err := atoi(k, v)
			if err != nil {
				return err
			}
			c.NullPercent = mathutil.Clamp(n, 0, 100)
		case "max_length":
			if c.TypeLen, err = atoi(k, v); err != nil {
				return err
			}
		case "min_length":
			if c.MinLen, err = atoi(k, v); err != nil {
				return err
			}
		case "mean":
			if c.Mean, err = atoi(k, v); err != nil {
				return err
			}
		case "stddev":
			if c.StdDev, err = atoi(k, v); err != nil {
				return err
			}
		case "compress":
			n, err := atoi(k, v)
			if err != nil {
				return err
			}
			c.Compress = mathutil.Clamp(n, 1, 100)
		case "set":
			var stringValues []string
			if err := json.Unmarshal([]byte(v), &stringValues); err == nil {
				c.ValueSet = stringValues
				continue
			}
			var intValues []int64
			if err := json.Unmarshal([]byte(v), &intValues); err == nil {
				c.IntSet = intValues
				continue
			}
			return errors.Errorf("invalid set for column %s: %q", c.Name, v)
		case "order":
			switch v {
			case "total_order":
				c.Order = NumericTotalOrder
			case "partial_order":
				c.Order = NumericPartialOrder
			case "random_order":
				c.Order = NumericRandomOrder
			case "no_order":
				c.Order = NumericNoOrder
			default:
				return errors.Errorf("invalid order for column %s: %q", c.Name, v)
			}
		}
	}
	return nil
}

var defaultSpecs = map[byte]ColumnSpec{
	mysql.TypeNewDecimal: {SQLType: "decimal", Kind: record.KindString},
	mysql.TypeDate:       {SQLType: "date", Kind: record.KindString},
	mysql.TypeTimestamp:  {SQLType: "timestamp", Kind: record.KindString},
	mysql.TypeDatetime:   {SQLType: "datetime", Kind: record.KindString},
	mysql.TypeDuration:   {SQLType: "time", Kind: record.KindString},
	mysql.TypeYear:       {SQLType: "year", Kind: record.KindInt64, TypeLen: 8},
	mysql.TypeTiny:       {SQLType: "tinyint", Kind: record.KindInt64, TypeLen: 8, Signed: true},
	mysql.TypeShort:      {SQLType: "smallint", Kind: record.KindInt64, TypeLen: 16, Signed: true},
	mysql.TypeInt24:      {SQLType: "mediumint", Kind: record.KindInt64, TypeLen: 24, Signed: true},
	mysql.TypeLong:       {SQLType: "int", Kind: record.KindInt64, TypeLen: 32, Signed: true},
	mysql.TypeLonglong:   {SQLType: "bigint", Kind: record.KindInt64, TypeLen: 64, Signed: true},
	mysql.TypeFloat:      {SQLType: "float", Kind: record.KindFloat64, TypeLen: 32},
	mysql.TypeDouble:     {SQLType: "double", Kind: record.KindFloat64, TypeLen: 64},
	mysql.TypeVarchar:    {SQLType: "varchar", Kind: record.KindString, TypeLen: 64},
	mysql.TypeVarString:  {SQLType: "varchar", Kind: record.KindString, TypeLen: 64},
	mysql.TypeString:     {SQLType: "char", Kind: record.KindString, TypeLen: 64},
	mysql.TypeBlob:       {SQLType: "blob", Kind: record.KindBytes, TypeLen: 64},
	mysql.TypeTinyBlob:   {SQLType: "tinyblob", Kind: record.KindBytes, TypeLen: 64},
	mysql.TypeMediumBlob: {SQLType: "blob", Kind: record.KindBytes, TypeLen: 64},
	mysql.TypeLongBlob:   {SQLType: "blob", Kind: record.KindBytes, TypeLen: 64},
	mysql.TypeJSON:       {SQLType: "json", Kind: record.KindString},
}

func getTableInfoBySQL(createTableSQL string) (*model.TableInfo, error) {
	p := parser.New()
	p.SetSQLMode(mysql.ModeANSIQuotes)

	stmt, err := p.ParseOneStmt(createTableSQL, "", "")
	if err != nil {
		return nil, errors.Trace(err)
	}

	s, ok := stmt.(*ast.CreateTableStmt)
	if !ok {
		return nil, errors.New("not a CREATE TABLE statement")
	}
	metaBuildCtx := ddl.NewMetaBuildContextWithSctx(mock.NewContext())
	tbl, err := ddl.BuildTableInfoWithStmt(metaBuildCtx, s, mysql.DefaultCharset, "", nil)
	return tbl, errors.Trace(err)
}

// cleanSQL drops leading /* */ comment lines and anything after the last
// closing parenthesis.
func cleanSQL(query string) string {
	lines := strings.Split(query, "\n")
	startIndex := 0
	for i, line := range lines {
		trimmed := strings.TrimSpace(line)
		if !strings.HasPrefix(trimmed, "/*") && trimmed != "" {
			startIndex = i
			break
		}
	}
	query = strings.Join(lines[startIndex:], "\n")
	if lastParen := strings.LastIndex(query, ")"); lastParen != -1 {
		query = query[:lastParen+1] + ";"
	}
	return query
}

// LoadSpecs parses the CREATE TABLE statement in file path.
func LoadSpecs(path string) ([]*ColumnSpec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Trace(err)
	}
	return ParseSpecs(string(data))
}

// ParseSpecs turns a CREATE TABLE statement into column specs.
func ParseSpecs(createTableSQL string) ([]*ColumnSpec, error) {
	tbInfo, err := getTableInfoBySQL(cleanSQL(createTableSQL))
	if err != nil {
		return nil, err
	}

	specs := make([]*ColumnSpec, 0, len(tbInfo.Columns))
	for _, col := range tbInfo.Columns {
		def, ok := defaultSpecs[col.GetType()]
		if !ok {
			return nil, errors.Errorf("unsupported type %s of column %s", types.TypeToStr(col.GetType(), ""), col.Name.O)
		}
		spec := def
		spec.Name = col.Name.L
		spec.OrigName = col.Name.O
		spec.Compress = 100
		if mysql.HasUnsignedFlag(col.GetFlag()) {
			spec.Signed = false
		}

		if !types.IsTypeNumeric(col.GetType()) && col.GetFlen() > 0 {
			spec.TypeLen = min(col.GetFlen(), 64)
		}
		if col.GetType() == mysql.TypeNewDecimal {
			spec.Precision = col.GetFlen()
			spec.Scale = col.GetDecimal()
			if spec.Precision <= 0 || spec.Precision > 18 {
				return nil, errors.Errorf("unsupported decimal precision %d for column %s", spec.Precision, spec.Name)
			}
			if spec.Scale < 0 || spec.Scale > spec.Precision {
				return nil, errors.Errorf("invalid decimal scale for column %s", spec.Name)
			}
		}
		if err := spec.parseComment(col.Comment); err != nil {
			return nil, err
		}

		if spec.MinLen == 0 {
			spec.MinLen = int(float64(spec.TypeLen) * 0.75)
		}
		spec.MinLen = min(spec.TypeLen, spec.MinLen)
		specs = append(specs, &spec)
	}

	if tbInfo.PKIsHandle {
		for _, col := range tbInfo.Columns {
			if mysql.HasPriKeyFlag(col.GetFlag()) {
				specs[col.Offset].IsUnique = true
				break
			}
		}
	}
	for _, index := range tbInfo.Indices {
		if index.Primary || index.Unique {
			for _, col := range index.Columns {
				if col.Offset >= 0 && col.Offset < len(specs) {
					specs[col.Offset].IsUnique = true
				}
			}
		}
	}
	return specs, nil
}
