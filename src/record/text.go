package record

import (
	"encoding/hex"
	"math"
	"strconv"
	"strings"

	"github.com/pingcap/errors"
)

const (
	// FieldSeparator joins fields in the canonical text encoding.
	FieldSeparator = ','
	// RecordDelimiter terminates a record in line-oriented output.
	RecordDelimiter = '\n'

	quoteChar  = '\''
	escapeChar = '\\'
	nullToken  = "NULL"
)

// AppendText appends the canonical text encoding of r to buf.
func AppendText(buf []byte, r Record) []byte {
	for i, v := range r.Fields {
		if i > 0 {
			buf = append(buf, FieldSeparator)
		}
		buf = appendTextValue(buf, v)
	}
	return buf
}

func appendTextValue(buf []byte, v any) []byte {
	switch x := v.(type) {
	case nil:
		return append(buf, nullToken...)
	case bool:
		return strconv.AppendBool(buf, x)
	case int64:
		return strconv.AppendInt(buf, x, 10)
	case float64:
		return appendFloat(buf, x)
	case string:
		if !needsQuote(x) {
			return append(buf, x...)
		}
		return appendQuoted(buf, x)
	case []byte:
		buf = append(buf, 'x', quoteChar)
		buf = hex.AppendEncode(buf, x)
		return append(buf, quoteChar)
	}
	return buf
}

func appendFloat(buf []byte, f float64) []byte {
	start := len(buf)
	buf = strconv.AppendFloat(buf, f, 'g', -1, 64)
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return buf
	}
	for _, c := range buf[start:] {
		if c == '.' || c == 'e' {
			return buf
		}
	}
	return append(buf, '.', '0')
}

func needsQuote(s string) bool {
	if s == "" || s == nullToken {
		return true
	}
	return strings.ContainsAny(s, ",'\\\n\r")
}

func appendQuoted(buf []byte, s string) []byte {
	buf = append(buf, quoteChar)
	for i := 0; i < len(s); i++ {
		switch c := s[i]; c {
		case quoteChar, escapeChar:
			buf = append(buf, escapeChar, c)
		case '\n':
			buf = append(buf, escapeChar, 'n')
		case '\r':
			buf = append(buf, escapeChar, 'r')
		default:
			buf = append(buf, c)
		}
	}
	return append(buf, quoteChar)
}

// token is one field of a text line before conversion.
type token struct {
	text   string
	quoted bool
}

// ParseText decodes one canonical text line (without the record delimiter).
// When schema is nil the kind of each field is inferred from its text, so a
// string that reads as a number comes back as one. Pass the schema the line
// was written with to get the same values back. A schema wider than the
// line covers its leading fields.
func ParseText(line string, schema []Kind) (Record, error) {
	tokens, err := splitFields(line)
	if err != nil {
		return Record{}, err
	}
	if schema != nil && len(schema) < len(tokens) {
		return Record{}, errors.Errorf("line has %d fields, schema has %d", len(tokens), len(schema))
	}

	fields := make([]any, len(tokens))
	for i, tok := range tokens {
		var v any
		if schema == nil {
			v, err = inferValue(tok)
		} else {
			v, err = convertValue(tok, schema[i])
		}
		if err != nil {
			return Record{}, errors.Annotatef(err, "field %d", i)
		}
		fields[i] = v
	}
	return Record{Type: ArrayRecord, Fields: fields}, nil
}

func splitFields(line string) ([]token, error) {
	if line == "" {
		return nil, nil
	}
	var (
		tokens []token
		sb     strings.Builder
	)
	for i := 0; i <= len(line); {
		if i < len(line) && line[i] == quoteChar {
			sb.Reset()
			j := i + 1
			closed := false
			for j < len(line) {
				c := line[j]
				if c == escapeChar {
					if j+1 >= len(line) {
						return nil, errors.Errorf("dangling escape at offset %d", j)
					}
					switch n := line[j+1]; n {
					case 'n':
						sb.WriteByte('\n')
					case 'r':
						sb.WriteByte('\r')
					default:
						sb.WriteByte(n)
					}
					j += 2
					continue
				}
				if c == quoteChar {
					closed = true
					j++
					break
				}
				sb.WriteByte(c)
				j++
			}
			if !closed {
				return nil, errors.Errorf("unterminated quote at offset %d", i)
			}
			if j < len(line) && line[j] != FieldSeparator {
				return nil, errors.Errorf("unexpected %q after quoted field at offset %d", line[j], j)
			}
			tokens = append(tokens, token{text: sb.String(), quoted: true})
			i = j + 1
			continue
		}

		end := strings.IndexByte(line[i:], FieldSeparator)
		if end < 0 {
			tokens = append(tokens, token{text: line[i:]})
			break
		}
		tokens = append(tokens, token{text: line[i : i+end]})
		i += end + 1
		if i == len(line) {
			// trailing separator means one more empty field
			tokens = append(tokens, token{})
			break
		}
	}
	return tokens, nil
}

func isBytesToken(tok token) bool {
	return !tok.quoted && len(tok.text) >= 3 && tok.text[0] == 'x' &&
		tok.text[1] == quoteChar && tok.text[len(tok.text)-1] == quoteChar
}

func decodeBytesToken(tok token) ([]byte, error) {
	b, err := hex.DecodeString(tok.text[2 : len(tok.text)-1])
	return b, errors.Trace(err)
}

func inferValue(tok token) (any, error) {
	if tok.quoted {
		return tok.text, nil
	}
	switch tok.text {
	case nullToken:
		return nil, nil
	case "true":
		return true, nil
	case "false":
		return false, nil
	}
	if isBytesToken(tok) {
		return decodeBytesToken(tok)
	}
	if i, err := strconv.ParseInt(tok.text, 10, 64); err == nil {
		return i, nil
	}
	if f, err := strconv.ParseFloat(tok.text, 64); err == nil {
		return f, nil
	}
	return tok.text, nil
}

func convertValue(tok token, kind Kind) (any, error) {
	if !tok.quoted && tok.text == nullToken {
		return nil, nil
	}
	switch kind {
	case KindNull:
		return nil, errors.Errorf("expected NULL, got %q", tok.text)
	case KindBool:
		b, err := strconv.ParseBool(tok.text)
		return b, errors.Trace(err)
	case KindInt64:
		i, err := strconv.ParseInt(tok.text, 10, 64)
		return i, errors.Trace(err)
	case KindFloat64:
		f, err := strconv.ParseFloat(tok.text, 64)
		return f, errors.Trace(err)
	case KindString:
		return tok.text, nil
	case KindBytes:
		if !isBytesToken(tok) {
			return nil, errors.Errorf("malformed bytes literal %q", tok.text)
		}
		return decodeBytesToken(tok)
	case KindMixed:
		// strings keep their exact text, so re-encoding reproduces the line
		if isBytesToken(tok) {
			return decodeBytesToken(tok)
		}
		return tok.text, nil
	default:
		return nil, errors.Errorf("unknown kind %s", kind)
	}
}
