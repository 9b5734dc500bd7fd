package encoder

import (
	"errors"
	"testing"

	"row-to-column/catalog"

	"github.com/jackc/pglogrepl"
	"github.com/jackc/pgx/v5/pgtype"
)

func text(s string) *pglogrepl.TupleDataColumn {
	return &pglogrepl.TupleDataColumn{DataType: pglogrepl.TupleDataTypeText, Length: uint32(len(s)), Data: []byte(s)}
}

func null() *pglogrepl.TupleDataColumn {
	return &pglogrepl.TupleDataColumn{DataType: pglogrepl.TupleDataTypeNull}
}

func orders() *catalog.Relation {
	return &catalog.Relation{
		ID:        7,
		Namespace: "public",
		Name:      "orders",
		Columns: []catalog.Column{
			{Name: "id", TypeOID: pgtype.Int4OID},
			{Name: "note", TypeOID: pgtype.TextOID},
		},
	}
}

func TestLiteral(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		oid  uint32
		want string
	}{
		{"int4 unquoted", "42", pgtype.Int4OID, "42"},
		{"int8 negative", "-9000000000", pgtype.Int8OID, "-9000000000"},
		{"int2", "7", pgtype.Int2OID, "7"},
		{"float8", "3.25", pgtype.Float8OID, "3.25"},
		{"float4 exponent", "1e+10", pgtype.Float4OID, "1e+10"},
		{"numeric", "12345.678900", pgtype.NumericOID, "12345.678900"},
		{"numeric NaN is quoted", "NaN", pgtype.NumericOID, "'NaN'"},
		{"float infinity is quoted", "-Infinity", pgtype.Float8OID, "'-Infinity'"},
		{"text quoted", "hi", pgtype.TextOID, "'hi'"},
		{"text with quote", "it's", pgtype.TextOID, "'it''s'"},
		{"text only quotes", "''", pgtype.VarcharOID, "''''''"},
		{"empty text", "", pgtype.TextOID, "''"},
		{"backslash uses escape form", `a\b`, pgtype.TextOID, `E'a\\b'`},
		{"bool quoted", "t", pgtype.BoolOID, "'t'"},
		{"timestamp quoted", "2024-01-02 03:04:05", pgtype.TimestampOID, "'2024-01-02 03:04:05'"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Literal([]byte(tt.raw), tt.oid)
			if got != tt.want {
				t.Errorf("Literal(%q, %d) = %s, want %s", tt.raw, tt.oid, got, tt.want)
			}
		})
	}
}

func TestInsertScenarios(t *testing.T) {
	enc := New("")

	stmt, err := enc.Insert(orders(), []*pglogrepl.TupleDataColumn{text("42"), text("hi")})
	if err != nil {
		t.Fatalf("insert failed: %v", err)
	}
	if stmt != "INSERT INTO orders_col VALUES (42, 'hi');" {
		t.Errorf("unexpected statement: %s", stmt)
	}

	stmt, err = enc.Insert(orders(), []*pglogrepl.TupleDataColumn{text("43"), null()})
	if err != nil {
		t.Fatalf("insert failed: %v", err)
	}
	if stmt != "INSERT INTO orders_col VALUES (43, NULL);" {
		t.Errorf("unexpected statement: %s", stmt)
	}
}

func TestInsertNullIsNotEmptyString(t *testing.T) {
	enc := New("")

	withNull, _ := enc.Insert(orders(), []*pglogrepl.TupleDataColumn{text("1"), null()})
	withEmpty, _ := enc.Insert(orders(), []*pglogrepl.TupleDataColumn{text("1"), text("")})

	if withNull == withEmpty {
		t.Fatalf("null and empty string produced the same statement: %s", withNull)
	}
	if withEmpty != "INSERT INTO orders_col VALUES (1, '');" {
		t.Errorf("unexpected statement for empty string: %s", withEmpty)
	}
}

func TestInsertColumnCountMismatch(t *testing.T) {
	enc := New("")

	_, err := enc.Insert(orders(), []*pglogrepl.TupleDataColumn{text("1")})
	if !errors.Is(err, ErrColumnCount) {
		t.Fatalf("expected ErrColumnCount, got %v", err)
	}
}

func TestInsertUnchangedToast(t *testing.T) {
	enc := New("")
	toast := &pglogrepl.TupleDataColumn{DataType: pglogrepl.TupleDataTypeToast}

	_, err := enc.Insert(orders(), []*pglogrepl.TupleDataColumn{text("1"), toast})
	if !errors.Is(err, ErrUnchangedToast) {
		t.Fatalf("expected ErrUnchangedToast, got %v", err)
	}
}

func TestInsertBinaryColumns(t *testing.T) {
	enc := New("")
	binInt := &pglogrepl.TupleDataColumn{DataType: pglogrepl.TupleDataTypeBinary, Length: 4, Data: []byte{0, 0, 0, 42}}
	binText := &pglogrepl.TupleDataColumn{DataType: pglogrepl.TupleDataTypeBinary, Length: 4, Data: []byte("o'k!")}

	stmt, err := enc.Insert(orders(), []*pglogrepl.TupleDataColumn{binInt, binText})
	if err != nil {
		t.Fatalf("insert failed: %v", err)
	}
	if stmt != "INSERT INTO orders_col VALUES (42, 'o''k!');" {
		t.Errorf("unexpected statement: %s", stmt)
	}
}

func TestIdentifier(t *testing.T) {
	tests := map[string]string{
		"orders":    "orders",
		"price$":    "price$",
		"Orders":    `"Orders"`,
		"user":      `"user"`,
		"order":     `"order"`,
		"select":    `"select"`,
		"users":     "users",
		`say "hi"`:  `"say ""hi"""`,
		"1st_table": `"1st_table"`,
	}
	for in, want := range tests {
		if got := Identifier(in); got != want {
			t.Errorf("Identifier(%q) = %s, want %s", in, got, want)
		}
	}
}

func TestTwinName(t *testing.T) {
	enc := New("_cs")

	tests := []struct {
		rel  catalog.Relation
		want string
	}{
		{catalog.Relation{Namespace: "public", Name: "orders"}, "orders_cs"},
		{catalog.Relation{Name: "orders"}, "orders_cs"},
		{catalog.Relation{Namespace: "sales", Name: "orders"}, "sales.orders_cs"},
		{catalog.Relation{Namespace: "public", Name: "Orders"}, `"Orders_cs"`},
		{catalog.Relation{Namespace: "Sales", Name: "line items"}, `"Sales"."line items_cs"`},
		{catalog.Relation{Namespace: "user", Name: "orders"}, `"user".orders_cs`},
		{catalog.Relation{Namespace: "order", Name: "to"}, `"order".to_cs`},
	}

	for _, tt := range tests {
		if got := enc.TwinName(&tt.rel); got != tt.want {
			t.Errorf("TwinName(%s) = %s, want %s", tt.rel.QualifiedName(), got, tt.want)
		}
	}
}
