package synthetic

import (
	"math"
	"math/rand"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// epoch anchors generated time values so a seed always yields the same rows.
var epoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

var fillA = []byte(strings.Repeat("a", 1024))

func generateStringWithCompress(b []byte, length int, compress int, rng *rand.Rand) {
	nonduplicateLength := length * compress / 100
	rng.Read(b[:nonduplicateLength])
	for i := range b[:nonduplicateLength] {
		b[i] = validChar[int(b[i])%len(validChar)]
	}

	// The rest is filled with 'a' to simulate compressible data
	for i := nonduplicateLength; i < length; {
		i += copy(b[i:], fillA)
	}
}

func (c *ColumnSpec) generatePartialOrderInt(rowID int64) int64 {
	randPrefix := (rowID * 1000000007) & 31
	moveBit := max(c.TypeLen-6, 0)
	return (randPrefix << moveBit) + rowID
}

func (c *ColumnSpec) bounds() (lower, upper int64) {
	if c.TypeLen >= 64 {
		return math.MinInt64, math.MaxInt64
	}
	upper = 1<<c.TypeLen - 1
	if c.Signed {
		lower -= 1 << (c.TypeLen - 1)
		upper -= 1 << (c.TypeLen - 1)
	}
	return lower, upper
}

func (c *ColumnSpec) generateGaussianInt(rng *rand.Rand) int64 {
	randomFloat := rng.NormFloat64()*float64(c.StdDev) + float64(c.Mean)
	lower, upper := c.bounds()
	switch {
	case randomFloat >= float64(upper):
		return upper
	case randomFloat <= float64(lower):
		return lower
	}
	return int64(math.Round(randomFloat))
}

func (c *ColumnSpec) generateRandomInt(rng *rand.Rand) int64 {
	if c.TypeLen >= 64 {
		return rng.Int63()
	}
	v := rng.Int63n(1 << c.TypeLen)
	if c.Signed {
		v -= 1 << (c.TypeLen - 1)
	}
	return v
}

func (c *ColumnSpec) generateInt(rowID int64, rng *rand.Rand) int64 {
	if len(c.IntSet) > 0 {
		return c.IntSet[rng.Intn(len(c.IntSet))]
	}
	if c.StdDev > 0 {
		return c.generateGaussianInt(rng)
	}

	order := c.Order
	if c.IsUnique && order == NumericNoOrder {
		order = NumericTotalOrder
	}

	switch order {
	case NumericTotalOrder:
		return rowID
	case NumericPartialOrder:
		if rowID%32 == 0 {
			return c.generatePartialOrderInt(rowID)
		}
		return rowID
	case NumericRandomOrder:
		return c.generatePartialOrderInt(rowID)
	default:
		return c.generateRandomInt(rng)
	}
}

func (c *ColumnSpec) generateNull(rng *rand.Rand) bool {
	return c.NullPercent > 0 && rng.Intn(100) < c.NullPercent
}

func (c *ColumnSpec) generateString(rng *rand.Rand) string {
	if len(c.ValueSet) > 0 {
		return c.ValueSet[rng.Intn(len(c.ValueSet))]
	}
	if c.IsUnique {
		id, err := uuid.NewRandomFromReader(rng)
		if err != nil {
			return uuid.NewString()
		}
		return id.String()
	}

	length := c.MinLen
	if c.TypeLen > c.MinLen {
		length += rng.Intn(c.TypeLen - c.MinLen + 1)
	}
	b := make([]byte, length)
	generateStringWithCompress(b, length, c.Compress, rng)
	return string(b)
}

// generateDecimal renders an unscaled value below 10^Precision with Scale
// fractional digits.
func (c *ColumnSpec) generateDecimal(rng *rand.Rand) string {
	var unscaled int64
	if len(c.IntSet) > 0 {
		unscaled = c.IntSet[rng.Intn(len(c.IntSet))]
	} else {
		unscaled = rng.Int63n(pow10(c.Precision))
	}
	neg := unscaled < 0
	if neg {
		unscaled = -unscaled
	}
	digits := strconv.FormatInt(unscaled, 10)
	if c.Scale > 0 {
		if len(digits) <= c.Scale {
			digits = strings.Repeat("0", c.Scale-len(digits)+1) + digits
		}
		digits = digits[:len(digits)-c.Scale] + "." + digits[len(digits)-c.Scale:]
	}
	if neg {
		return "-" + digits
	}
	return digits
}

func pow10(p int) int64 {
	res := int64(1)
	for range p {
		res *= 10
	}
	return res
}

func generateRandomTime(format string, rng *rand.Rand) string {
	oneYearAgo := epoch.AddDate(-1, 0, 0)
	return oneYearAgo.Add(time.Duration(rng.Int63n(int64(epoch.Sub(oneYearAgo))))).Format(format)
}

// Generate returns the value of this column for row rowID.
func (c *ColumnSpec) Generate(rowID int64, rng *rand.Rand) any {
	if c.generateNull(rng) {
		return nil
	}

	switch c.SQLType {
	case "tinyint", "smallint", "mediumint", "int", "bigint":
		return c.generateInt(rowID, rng)
	case "float", "double":
		return float64(c.generateInt(rowID, rng)) + 0.1
	case "decimal":
		return c.generateDecimal(rng)
	case "char", "varchar":
		return c.generateString(rng)
	case "blob", "tinyblob":
		return []byte(c.generateString(rng))
	case "json":
		return "[1,2,3,4,5]"
	case "timestamp", "datetime":
		return generateRandomTime(time.DateTime, rng)
	case "date":
		return generateRandomTime(time.DateOnly, rng)
	case "time":
		return generateRandomTime(time.TimeOnly, rng)
	case "year":
		return int64(rng.Intn(70) + 1970)
	}
	return nil
}

// GenerateRow appends one value per column to row.
func GenerateRow(row []any, specs []*ColumnSpec, rowID int64, rng *rand.Rand) []any {
	for _, c := range specs {
		row = append(row, c.Generate(rowID, rng))
	}
	return row
}
