package ddl

import (
	"errors"
	"testing"
)

func TestRewrite(t *testing.T) {
	r := NewRewriter("", "")

	tests := []struct {
		name string
		in   string
		want Record
	}{
		{
			name: "alter add column",
			in:   "ALTER TABLE orders ADD COLUMN note TEXT;",
			want: Record{Kind: "ALTER TABLE", Target: "orders", Twin: "orders_col", Statement: "ALTER TABLE orders_col ADD COLUMN note TEXT;"},
		},
		{
			name: "create appends directive after column list",
			in:   "CREATE TABLE orders (id int, note text);",
			want: Record{Kind: "CREATE TABLE", Target: "orders", Twin: "orders_col", Statement: "CREATE TABLE orders_col (id int, note text) USING columnar;"},
		},
		{
			name: "create with nested parens and trailing clause",
			in:   "create table if not exists sales.items (price numeric(10,2), label text default ')') with (fillfactor = 90)",
			want: Record{Kind: "CREATE TABLE", Target: "sales.items", Twin: "sales.items_col", Statement: "create table if not exists sales.items_col (price numeric(10,2), label text default ')') USING columnar with (fillfactor = 90)"},
		},
		{
			name: "quoted name",
			in:   `CREATE TABLE "Orders" (id int)`,
			want: Record{Kind: "CREATE TABLE", Target: `"Orders"`, Twin: `"Orders_col"`, Statement: `CREATE TABLE "Orders_col" (id int) USING columnar`},
		},
		{
			name: "existing directive is kept",
			in:   "CREATE TABLE t (a int) USING heap",
			want: Record{Kind: "CREATE TABLE", Target: "t", Twin: "t_col", Statement: "CREATE TABLE t_col (a int) USING heap"},
		},
		{
			name: "create inherits takes directive after parent list",
			in:   "CREATE TABLE child (a int) INHERITS (parent);",
			want: Record{Kind: "CREATE TABLE", Target: "child", Twin: "child_col", Statement: "CREATE TABLE child_col (a int) INHERITS (parent) USING columnar;"},
		},
		{
			name: "create inherits before storage parameters",
			in:   "CREATE TABLE child (a int) INHERITS (p1, p2) WITH (fillfactor = 70)",
			want: Record{Kind: "CREATE TABLE", Target: "child", Twin: "child_col", Statement: "CREATE TABLE child_col (a int) INHERITS (p1, p2) USING columnar WITH (fillfactor = 70)"},
		},
		{
			name: "alter rename follows the table",
			in:   "ALTER TABLE orders RENAME TO orders2;",
			want: Record{Kind: "ALTER TABLE", Target: "orders", Twin: "orders_col", Statement: "ALTER TABLE orders_col RENAME TO orders2_col;"},
		},
		{
			name: "alter rename quoted",
			in:   `ALTER TABLE sales."Orders" RENAME TO "Archive"`,
			want: Record{Kind: "ALTER TABLE", Target: `sales."Orders"`, Twin: `sales."Orders_col"`, Statement: `ALTER TABLE sales."Orders_col" RENAME TO "Archive_col"`},
		},
		{
			name: "alter rename column keeps column names",
			in:   "ALTER TABLE orders RENAME COLUMN note TO memo",
			want: Record{Kind: "ALTER TABLE", Target: "orders", Twin: "orders_col", Statement: "ALTER TABLE orders_col RENAME COLUMN note TO memo"},
		},
		{
			name: "alter only if exists",
			in:   "ALTER TABLE IF EXISTS ONLY public.t DROP COLUMN a",
			want: Record{Kind: "ALTER TABLE", Target: "public.t", Twin: "public.t_col", Statement: "ALTER TABLE IF EXISTS ONLY public.t_col DROP COLUMN a"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := r.Rewrite(tt.in)
			if err != nil {
				t.Fatalf("rewrite failed: %v", err)
			}
			if got != tt.want {
				t.Errorf("Rewrite(%q)\n got: %+v\nwant: %+v", tt.in, got, tt.want)
			}
		})
	}
}

func TestRewriteOwnOutputIsRefused(t *testing.T) {
	r := NewRewriter("", "")

	for _, in := range []string{
		"CREATE TABLE orders (id int);",
		"ALTER TABLE orders ADD COLUMN note TEXT;",
		`CREATE TABLE sales."Line Items" (id int)`,
	} {
		rec, err := r.Rewrite(in)
		if err != nil {
			t.Fatalf("first rewrite of %q failed: %v", in, err)
		}
		_, err = r.Rewrite(rec.Statement)
		if !errors.Is(err, ErrColumnarTwin) {
			t.Errorf("rewriting %q again: expected ErrColumnarTwin, got %v", rec.Statement, err)
		}
	}
}

func TestRewriteRejects(t *testing.T) {
	r := NewRewriter("_cs", "")

	tests := []struct {
		in   string
		want error
	}{
		{"CREATE INDEX idx ON orders (id)", ErrNotTableDDL},
		{"DROP TABLE orders", ErrNotTableDDL},
		{"INSERT INTO orders VALUES (1)", ErrNotTableDDL},
		{"CREATE TABLE orders_cs (id int)", ErrColumnarTwin},
		{"CREATE TABLE t AS SELECT 1", ErrUnsupportedDDL},
		{"CREATE TABLE t (a int", ErrUnsupportedDDL},
		{"CREATE TABLE t (a int) PARTITION BY RANGE (a)", ErrUnsupportedDDL},
		{"CREATE TABLE t (a int) INHERITS (p", ErrUnsupportedDDL},
		{"ALTER TABLE orders RENAME TO archive_cs", ErrColumnarTwin},
	}

	for _, tt := range tests {
		if _, err := r.Rewrite(tt.in); !errors.Is(err, tt.want) {
			t.Errorf("Rewrite(%q): expected %v, got %v", tt.in, tt.want, err)
		}
	}
}
