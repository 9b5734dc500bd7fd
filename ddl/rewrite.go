package ddl

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// DefaultDirective is appended to rewritten CREATE TABLE statements.
const DefaultDirective = "USING columnar"

var (
	ErrNotTableDDL    = errors.New("statement is not CREATE TABLE or ALTER TABLE")
	ErrColumnarTwin   = errors.New("statement targets a columnar twin")
	ErrUnsupportedDDL = errors.New("unsupported table statement form")
)

const namePart = `(?:"(?:[^"]|"")+"|[A-Za-z_][A-Za-z0-9_$]*)`

var (
	createTableRe = regexp.MustCompile(`(?is)^(\s*CREATE\s+(?:(?:GLOBAL|LOCAL)\s+)?(?:(?:TEMP|TEMPORARY|UNLOGGED)\s+)?TABLE\s+(?:IF\s+NOT\s+EXISTS\s+)?)(` + namePart + `(?:\s*\.\s*` + namePart + `)?)(\s*.*)$`)
	alterTableRe  = regexp.MustCompile(`(?is)^(\s*ALTER\s+TABLE\s+(?:IF\s+EXISTS\s+)?(?:ONLY\s+)?)(` + namePart + `(?:\s*\.\s*` + namePart + `)?)(\s*.*)$`)
	renameToRe    = regexp.MustCompile(`(?is)^(\s*RENAME\s+TO\s+)(` + namePart + `)(\s*;?\s*)$`)
	directiveRe   = regexp.MustCompile(`(?i)^\s*USING\s`)
	inheritsRe    = regexp.MustCompile(`(?i)^\s*INHERITS\s*\(`)
	partitionRe   = regexp.MustCompile(`(?i)^\s*PARTITION\s+BY\s`)
)

// Record is a rewritten statement ready to be written to the relay relation.
type Record struct {
	// Kind is "CREATE TABLE" or "ALTER TABLE".
	Kind string
	// Target is the row-store table as written in the input.
	Target string
	// Twin is the columnar twin the statement now addresses.
	Twin string
	// Statement is the rewritten text.
	Statement string
}

// Rewriter turns row-store table DDL into DDL for the columnar twin.
type Rewriter struct {
	suffix    string
	directive string
}

// NewRewriter creates a rewriter. Empty arguments select "_col" and
// DefaultDirective.
func NewRewriter(suffix, directive string) *Rewriter {
	if suffix == "" {
		suffix = "_col"
	}
	if directive == "" {
		directive = DefaultDirective
	}
	return &Rewriter{suffix: suffix, directive: directive}
}

// Suffix returns the twin suffix.
func (r *Rewriter) Suffix() string {
	return r.suffix
}

// Rewrite renames the target table and, for CREATE TABLE, inserts the
// columnar directive after the column list and any INHERITS clause.
// Statements whose table already carries the suffix are refused with
// ErrColumnarTwin, so rewriting the output again never produces anything.
// ALTER TABLE ... RENAME TO suffixes the new name as well.
func (r *Rewriter) Rewrite(stmt string) (Record, error) {
	if m := createTableRe.FindStringSubmatch(stmt); m != nil {
		return r.rewriteCreate(m[1], m[2], m[3])
	}
	if m := alterTableRe.FindStringSubmatch(stmt); m != nil {
		target, twin, err := r.twin(m[2])
		if err != nil {
			return Record{}, err
		}
		rest, err := r.rewriteRename(m[3])
		if err != nil {
			return Record{}, err
		}
		return Record{Kind: "ALTER TABLE", Target: target, Twin: twin, Statement: m[1] + twin + rest}, nil
	}
	return Record{}, ErrNotTableDDL
}

// rewriteRename suffixes the new name of ALTER TABLE ... RENAME TO so the
// twin keeps following its row-store table.
func (r *Rewriter) rewriteRename(rest string) (string, error) {
	m := renameToRe.FindStringSubmatch(rest)
	if m == nil {
		return rest, nil
	}
	_, renamed, err := r.twin(m[2])
	if err != nil {
		return "", err
	}
	return m[1] + renamed + m[3], nil
}

func (r *Rewriter) rewriteCreate(head, name, rest string) (Record, error) {
	target, twin, err := r.twin(name)
	if err != nil {
		return Record{}, err
	}

	open := strings.IndexByte(rest, '(')
	if open < 0 || strings.TrimSpace(rest[:open]) != "" {
		return Record{}, fmt.Errorf("%w: CREATE TABLE %s without a column list", ErrUnsupportedDDL, target)
	}
	end := closingParen(rest, open)
	if end < 0 {
		return Record{}, fmt.Errorf("%w: unbalanced column list in CREATE TABLE %s", ErrUnsupportedDDL, target)
	}

	// The access method clause follows INHERITS and precedes WITH, ON COMMIT
	// and TABLESPACE.
	at := end + 1
	if loc := inheritsRe.FindStringIndex(rest[at:]); loc != nil {
		stop := closingParen(rest, at+loc[1]-1)
		if stop < 0 {
			return Record{}, fmt.Errorf("%w: unbalanced INHERITS list in CREATE TABLE %s", ErrUnsupportedDDL, target)
		}
		at = stop + 1
	}
	if partitionRe.MatchString(rest[at:]) {
		return Record{}, fmt.Errorf("%w: partitioned CREATE TABLE %s", ErrUnsupportedDDL, target)
	}

	body, tail := rest[:at], rest[at:]
	if !directiveRe.MatchString(tail) {
		body += " " + r.directive
	}
	return Record{Kind: "CREATE TABLE", Target: target, Twin: twin, Statement: head + twin + body + tail}, nil
}

// twin splits an optionally schema-qualified name and suffixes the table part.
func (r *Rewriter) twin(name string) (target, twin string, err error) {
	schema, table := splitQualified(name)
	target = table
	if schema != "" {
		target = schema + "." + table
	}
	if r.IsTwin(unquote(table)) {
		return "", "", fmt.Errorf("%w: %s", ErrColumnarTwin, target)
	}

	if strings.HasPrefix(table, `"`) {
		twin = table[:len(table)-1] + r.suffix + `"`
	} else {
		twin = table + r.suffix
	}
	if schema != "" {
		twin = schema + "." + twin
	}
	return target, twin, nil
}

// IsTwin reports whether the bare table name already carries the suffix.
func (r *Rewriter) IsTwin(table string) bool {
	return strings.HasSuffix(strings.ToLower(table), strings.ToLower(r.suffix))
}

func splitQualified(name string) (schema, table string) {
	inQuote := false
	for i := 0; i < len(name); i++ {
		switch name[i] {
		case '"':
			inQuote = !inQuote
		case '.':
			if !inQuote {
				return strings.TrimSpace(name[:i]), strings.TrimSpace(name[i+1:])
			}
		}
	}
	return "", strings.TrimSpace(name)
}

func unquote(name string) string {
	if len(name) >= 2 && name[0] == '"' && name[len(name)-1] == '"' {
		return strings.ReplaceAll(name[1:len(name)-1], `""`, `"`)
	}
	return strings.ToLower(name)
}

// closingParen returns the index of the parenthesis closing the one at open,
// skipping string literals and quoted identifiers.
func closingParen(s string, open int) int {
	depth := 0
	var quote byte
	for i := open; i < len(s); i++ {
		c := s[i]
		if quote != 0 {
			if c == quote {
				quote = 0
			}
			continue
		}
		switch c {
		case '\'', '"':
			quote = c
		case '(':
			depth++
		case ')':
			depth--
			if depth == 0 {
				return i
			}
		}
	}
	return -1
}
