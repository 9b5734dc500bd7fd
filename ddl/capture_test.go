package ddl

import (
	"errors"
	"regexp"
	"strings"
	"testing"
)

// evalCapture runs the capture function's rewrite steps for one table with
// Go regexps. It returns false where the function skips the statement.
func evalCapture(query, tbl, tag, suffix, directive string) (string, bool) {
	ci := func(p string) *regexp.Regexp { return regexp.MustCompile("(?i)" + p) }

	src := regexp.MustCompile(captureStripRe).ReplaceAllString(query, "")
	pat := regexp.MustCompile(captureEscapeRe).ReplaceAllString(tbl, `\$1`)

	var stmt string
	if ci(captureRenameRe).MatchString(src) {
		stmt = replaceFirst(ci(captureRenameHeadRe+pat+captureRenameTailRe), src, "${1}"+suffix+"${2}"+suffix+"${3}")
	} else {
		stmt = replaceFirst(ci(captureTargetHeadRe+pat+captureTargetTailRe), src, "${1}"+suffix+"${2}${3}")
	}
	if stmt == src {
		return "", false
	}

	if tag == "CREATE TABLE" {
		if ci(capturePartitionRe).MatchString(stmt) {
			return "", false
		}
		if !ci(captureUsingRe).MatchString(stmt) {
			if storage := ci(captureStorageRe); storage.MatchString(stmt) {
				stmt = replaceFirst(storage, stmt, ") "+directive+"${1}")
			} else {
				stmt += " " + directive
			}
		}
	}
	return stmt + ";", true
}

func replaceFirst(re *regexp.Regexp, s, repl string) string {
	loc := re.FindStringSubmatchIndex(s)
	if loc == nil {
		return s
	}
	return s[:loc[0]] + string(re.ExpandString(nil, repl, s, loc)) + s[loc[1]:]
}

func TestCaptureMatchesRewriter(t *testing.T) {
	r := NewRewriter("", "")

	tests := []struct {
		name  string
		query string
		// tbl is pg_class.relname as seen at ddl_command_end.
		tbl string
		tag string
	}{
		{"create", "CREATE TABLE orders (id int, note text);", "orders", "CREATE TABLE"},
		{"create without space", "create table orders(id int);", "orders", "CREATE TABLE"},
		{"create qualified", "CREATE TABLE IF NOT EXISTS sales.items (price numeric(10,2));", "items", "CREATE TABLE"},
		{"create quoted", `CREATE TABLE "Orders" (id int);`, "Orders", "CREATE TABLE"},
		{"create dollar name", "CREATE TABLE price$ (a int);", "price$", "CREATE TABLE"},
		{"create with storage", "CREATE TABLE t (a int) WITH (fillfactor = 90);", "t", "CREATE TABLE"},
		{"create inherits", "CREATE TABLE child (a int) INHERITS (parent);", "child", "CREATE TABLE"},
		{"create inherits with storage", "CREATE TABLE child (a int) INHERITS (p1, p2) WITH (fillfactor = 70);", "child", "CREATE TABLE"},
		{"create keeps directive", "CREATE TABLE t (a int) USING heap;", "t", "CREATE TABLE"},
		{"alter add column", "ALTER TABLE orders ADD COLUMN note TEXT;", "orders", "ALTER TABLE"},
		{"alter only if exists", "ALTER TABLE IF EXISTS ONLY public.t DROP COLUMN a;", "t", "ALTER TABLE"},
		{"alter rename", "ALTER TABLE orders RENAME TO orders2;", "orders2", "ALTER TABLE"},
		{"alter rename quoted", `ALTER TABLE "Orders" RENAME TO "Archive";`, "Archive", "ALTER TABLE"},
		{"alter rename column", "ALTER TABLE orders RENAME COLUMN note TO memo;", "orders", "ALTER TABLE"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			want, err := r.Rewrite(tt.query)
			if err != nil {
				t.Fatalf("Rewrite failed: %v", err)
			}
			got, ok := evalCapture(tt.query, tt.tbl, tt.tag, r.Suffix(), r.directive)
			if !ok {
				t.Fatalf("capture skipped %q", tt.query)
			}
			if got != want.Statement {
				t.Errorf("capture and Rewrite disagree\ncapture: %s\nrewrite: %s", got, want.Statement)
			}
		})
	}
}

func TestCaptureRefuses(t *testing.T) {
	r := NewRewriter("", "")

	tests := []struct {
		name  string
		query string
		tbl   string
		tag   string
	}{
		{"partitioned", "CREATE TABLE m (a int) PARTITION BY RANGE (a);", "m", "CREATE TABLE"},
		// relname differs from the name in the statement text, e.g. a
		// multi-statement query string touching another table.
		{"name not in statement", "ALTER TABLE orders ADD COLUMN note TEXT;", "invoices", "ALTER TABLE"},
		{"prefix of another name", "ALTER TABLE orders_archive ADD COLUMN a int;", "orders", "ALTER TABLE"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got, ok := evalCapture(tt.query, tt.tbl, tt.tag, r.Suffix(), r.directive); ok {
				t.Errorf("expected %q to be skipped, got %s", tt.query, got)
			}
		})
	}

	if _, err := r.Rewrite("CREATE TABLE m (a int) PARTITION BY RANGE (a);"); !errors.Is(err, ErrUnsupportedDDL) {
		t.Errorf("Rewrite of partitioned table: expected ErrUnsupportedDDL, got %v", err)
	}
}

func TestCapturePatternsEmbedded(t *testing.T) {
	fn := newTestInstaller("ddl_queue").setupStatements()[1]

	for _, p := range []string{
		captureStripRe, captureEscapeRe, captureRenameRe, captureRenameHeadRe, captureRenameTailRe,
		captureTargetHeadRe, captureTargetTailRe, capturePartitionRe, captureUsingRe, captureStorageRe,
	} {
		if strings.Contains(p, "'") {
			t.Errorf("pattern %q contains a quote", p)
		}
		if !strings.Contains(fn, p) {
			t.Errorf("capture function does not use %q", p)
		}
	}
	if !strings.Contains(fn, "IF stmt = src THEN") {
		t.Error("capture function publishes statements it did not rewrite")
	}
}
