package synthetic

import (
	"fmt"
	"io"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/pingcap/errors"
)

// maxShownValues caps how many members of a value set are listed.
const maxShownValues = 6

// DisplaySQLType returns the column type with its length or precision.
func (c *ColumnSpec) DisplaySQLType() string {
	switch {
	case c.SQLType == "decimal" && c.Precision > 0 && c.Scale > 0:
		return fmt.Sprintf("decimal(%d,%d)", c.Precision, c.Scale)
	case c.SQLType == "decimal" && c.Precision > 0:
		return fmt.Sprintf("decimal(%d)", c.Precision)
	case strings.HasSuffix(c.SQLType, "char") && c.TypeLen > 0:
		return fmt.Sprintf("%s(%d)", c.SQLType, c.TypeLen)
	}
	return c.SQLType
}

// generator names the rule Generate applies to the column.
func (c *ColumnSpec) generator() string {
	if len(c.ValueSet) > 0 && (c.SQLType == "char" || c.SQLType == "varchar" || c.SQLType == "blob" || c.SQLType == "tinyblob") {
		return "one of " + shortList(c.ValueSet)
	}

	switch c.SQLType {
	case "tinyint", "smallint", "mediumint", "int", "bigint", "float", "double":
		return c.intGenerator()
	case "decimal":
		if len(c.IntSet) > 0 {
			return fmt.Sprintf("unscaled %s, scale %d", c.intGenerator(), c.Scale)
		}
		return fmt.Sprintf("random %d digits, scale %d", c.Precision, c.Scale)
	case "char", "varchar", "blob", "tinyblob":
		if c.IsUnique {
			return "uuid"
		}
		gen := fmt.Sprintf("%d..%d chars", c.MinLen, c.TypeLen)
		if c.Compress > 0 && c.Compress < 100 {
			gen += fmt.Sprintf(", %d%% compressible", c.Compress)
		}
		return gen
	case "json":
		return "constant array"
	case "timestamp", "datetime", "date", "time":
		return "within the last year"
	case "year":
		return "1970..2039"
	}
	return "always NULL"
}

func (c *ColumnSpec) intGenerator() string {
	if len(c.IntSet) > 0 {
		vals := make([]string, len(c.IntSet))
		for i, v := range c.IntSet {
			vals[i] = strconv.FormatInt(v, 10)
		}
		return "one of " + shortList(vals)
	}
	if c.StdDev > 0 {
		return fmt.Sprintf("gaussian mean=%d sd=%d", c.Mean, c.StdDev)
	}
	order := c.Order
	if c.IsUnique && order == NumericNoOrder {
		order = NumericTotalOrder
	}
	if order == NumericNoOrder {
		return fmt.Sprintf("random %d-bit", c.TypeLen)
	}
	return order.String() + " order on row id"
}

func shortList(vals []string) string {
	if len(vals) > maxShownValues {
		return fmt.Sprintf("%s|... (%d)", strings.Join(vals[:maxShownValues], "|"), len(vals))
	}
	return strings.Join(vals, "|")
}

// DescribeSpecs writes one line per column: its name, SQL type, the record
// kind it produces, its NULL rate and how its values are generated.
func DescribeSpecs(w io.Writer, specs []*ColumnSpec) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "COLUMN\tSQL TYPE\tKIND\tNULLS\tVALUES")
	for _, c := range specs {
		nulls := "never"
		if c.NullPercent >= 100 {
			nulls = "always"
		} else if c.NullPercent > 0 {
			nulls = strconv.Itoa(c.NullPercent) + "%"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", c.OrigName, c.DisplaySQLType(), c.Kind, nulls, c.generator())
	}
	return errors.Trace(tw.Flush())
}
