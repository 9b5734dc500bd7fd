package encoder

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"row-to-column/catalog"

	"github.com/jackc/pglogrepl"
	"github.com/jackc/pgx/v5/pgtype"
	mapset "github.com/deckarep/golang-set/v2"
	"github.com/lib/pq"
)

// Null is written for columns flagged null on the wire.
const Null = "NULL"

const defaultSuffix = "_col"

var (
	ErrColumnCount       = errors.New("tuple column count does not match relation")
	ErrUnchangedToast    = errors.New("unchanged toast value in insert")
	ErrUnsupportedFormat = errors.New("unsupported tuple data format")
)

var plainIdentifier = regexp.MustCompile(`^[a-z_][a-z0-9_$]*$`)

// reservedKeywords cannot appear bare as a table or schema name.
var reservedKeywords = mapset.NewSet(
	"all", "analyse", "analyze", "and", "any", "array", "as", "asc", "asymmetric",
	"authorization", "binary", "both", "case", "cast", "check", "collate", "collation",
	"column", "concurrently", "constraint", "create", "cross", "current_catalog",
	"current_date", "current_role", "current_schema", "current_time", "current_timestamp",
	"current_user", "default", "deferrable", "desc", "distinct", "do", "else", "end",
	"except", "false", "fetch", "for", "foreign", "freeze", "from", "full", "grant",
	"group", "having", "ilike", "in", "initially", "inner", "intersect", "into", "is",
	"isnull", "join", "lateral", "leading", "left", "like", "limit", "localtime",
	"localtimestamp", "natural", "not", "notnull", "null", "offset", "on", "only", "or",
	"order", "outer", "overlaps", "placing", "primary", "references", "returning", "right",
	"select", "session_user", "similar", "some", "symmetric", "system_user", "table",
	"tablesample", "then", "to", "trailing", "true", "union", "unique", "user", "using",
	"variadic", "verbose", "when", "where", "window", "with",
)

// Encoder turns decoded tuples into INSERT statements against columnar twins.
type Encoder struct {
	suffix  string
	typeMap *pgtype.Map
}

// New creates an Encoder. An empty suffix defaults to "_col".
func New(suffix string) *Encoder {
	if suffix == "" {
		suffix = defaultSuffix
	}
	return &Encoder{
		suffix:  suffix,
		typeMap: pgtype.NewMap(),
	}
}

// TwinName returns the table name the relation is mirrored into. Relations in
// the public schema are addressed by bare name.
func (e *Encoder) TwinName(rel *catalog.Relation) string {
	twin := Identifier(rel.Name + e.suffix)
	if rel.Namespace == "" || rel.Namespace == "public" {
		return twin
	}
	return Identifier(rel.Namespace) + "." + twin
}

// Insert builds "INSERT INTO <twin> VALUES (...);" for one new tuple.
func (e *Encoder) Insert(rel *catalog.Relation, cols []*pglogrepl.TupleDataColumn) (string, error) {
	if len(cols) != len(rel.Columns) {
		return "", fmt.Errorf("%w: relation %s has %d columns, tuple has %d",
			ErrColumnCount, rel.QualifiedName(), len(rel.Columns), len(cols))
	}

	var sb strings.Builder
	sb.WriteString("INSERT INTO ")
	sb.WriteString(e.TwinName(rel))
	sb.WriteString(" VALUES (")
	for i, col := range cols {
		if i > 0 {
			sb.WriteString(", ")
		}
		lit, err := e.column(col, rel.Columns[i].TypeOID)
		if err != nil {
			return "", fmt.Errorf("column %s: %w", rel.Columns[i].Name, err)
		}
		sb.WriteString(lit)
	}
	sb.WriteString(");")
	return sb.String(), nil
}

func (e *Encoder) column(col *pglogrepl.TupleDataColumn, typeOID uint32) (string, error) {
	switch col.DataType {
	case pglogrepl.TupleDataTypeNull:
		return Null, nil
	case pglogrepl.TupleDataTypeText:
		return Literal(col.Data, typeOID), nil
	case pglogrepl.TupleDataTypeBinary:
		text, err := e.binaryToText(col.Data, typeOID)
		if err != nil {
			return "", err
		}
		return Literal(text, typeOID), nil
	case pglogrepl.TupleDataTypeToast:
		return "", ErrUnchangedToast
	default:
		return "", fmt.Errorf("%w: %q", ErrUnsupportedFormat, col.DataType)
	}
}

// binaryToText re-encodes a binary-format value in text format so it can be
// written as a literal.
func (e *Encoder) binaryToText(data []byte, typeOID uint32) ([]byte, error) {
	dt, ok := e.typeMap.TypeForOID(typeOID)
	if !ok {
		return nil, fmt.Errorf("%w: binary value of unknown type oid %d", ErrUnsupportedFormat, typeOID)
	}
	value, err := dt.Codec.DecodeValue(e.typeMap, typeOID, pgtype.BinaryFormatCode, data)
	if err != nil {
		return nil, fmt.Errorf("decode binary value: %w", err)
	}
	text, err := e.typeMap.Encode(typeOID, pgtype.TextFormatCode, value, nil)
	if err != nil {
		return nil, fmt.Errorf("encode text value: %w", err)
	}
	return text, nil
}

// IsNumeric reports whether values of the type are written unquoted.
func IsNumeric(typeOID uint32) bool {
	switch typeOID {
	case pgtype.Int2OID, pgtype.Int4OID, pgtype.Int8OID,
		pgtype.Float4OID, pgtype.Float8OID, pgtype.NumericOID,
		pgtype.OIDOID:
		return true
	}
	return false
}

// Literal renders a text-format value of the given type as an SQL literal.
func Literal(raw []byte, typeOID uint32) string {
	text := string(raw)
	if IsNumeric(typeOID) && isFinite(text) {
		return text
	}
	return quote(text)
}

// Identifier writes plain lower-case names bare and quotes everything else,
// reserved keywords included.
func Identifier(name string) string {
	if plainIdentifier.MatchString(name) && !reservedKeywords.Contains(name) {
		return name
	}
	return pq.QuoteIdentifier(name)
}

func quote(text string) string {
	// pq prefixes the E'' form with a space; a VALUES list does not need it.
	return strings.TrimLeft(pq.QuoteLiteral(text), " ")
}

func isFinite(text string) bool {
	switch strings.ToLower(strings.TrimSpace(text)) {
	case "nan", "infinity", "+infinity", "-infinity", "inf", "+inf", "-inf", "":
		return false
	}
	return true
}
