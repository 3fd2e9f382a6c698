package criteria

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

// Fragment is one parametrised WHERE condition.
type Fragment struct {
	SQL  string
	Args []any
}

// Columns names the SQL expressions fragments are written against.
type Columns struct {
	Time       string
	Speaker    string
	StreamKind string
	StreamName string
	TextID     string
	Text       string
	// FTSTable is the full-text index over the text table; empty disables the prefilter.
	FTSTable string
}

// SQLCompiler compiles trees into WHERE fragments. Character constraints are not
// compiled: relational shards are per character and selected by file name.
type SQLCompiler struct {
	Columns Columns
}

var _ Compiler[[]Fragment] = SQLCompiler{}

func (c SQLCompiler) Compile(n Node) ([]Fragment, error) {
	var (
		frags []Fragment
		err   error
	)
	Walk(n, func(leaf Node) {
		if err != nil {
			return
		}
		var f []Fragment
		f, err = c.leaf(leaf)
		frags = append(frags, f...)
	})
	return frags, err
}

func (c SQLCompiler) leaf(n Node) ([]Fragment, error) {
	col := c.Columns
	switch v := n.(type) {
	case TimeNode:
		var frags []Fragment
		if !v.After.IsZero() {
			frags = append(frags, Fragment{SQL: col.Time + " >= ?", Args: []any{v.After.UnixMilli()}})
		}
		if !v.Before.IsZero() {
			frags = append(frags, Fragment{SQL: col.Time + " < ?", Args: []any{v.Before.UnixMilli()}})
		}
		return frags, nil
	case WhoNode:
		return []Fragment{{SQL: fmt.Sprintf("equal_fold(%s, ?)", col.Speaker), Args: []any{v.Speaker}}}, nil
	case StreamNode:
		return []Fragment{
			{SQL: col.StreamKind + " = ?", Args: []any{int(v.Stream.Kind)}},
			{SQL: fmt.Sprintf("equal_fold(%s, ?)", col.StreamName), Args: []any{v.Stream.Name}},
		}, nil
	case TextNode:
		var frags []Fragment
		if col.FTSTable != "" {
			if match := BuildFTSQuery(v.Text); match != "" {
				frags = append(frags, Fragment{
					SQL:  fmt.Sprintf("%s IN (SELECT rowid FROM %s WHERE %s MATCH ?)", col.TextID, col.FTSTable, col.FTSTable),
					Args: []any{match},
				})
			}
		}
		frags = append(frags, Fragment{SQL: fmt.Sprintf("contains_fold(%s, ?)", col.Text), Args: []any{v.Text}})
		return frags, nil
	default:
		return nil, fmt.Errorf("unsupported criteria node %T", n)
	}
}

// Where joins fragments into a WHERE clause and its arguments.
func Where(frags []Fragment) (string, []any) {
	if len(frags) == 0 {
		return "", nil
	}
	clauses := make([]string, 0, len(frags))
	args := make([]any, 0, len(frags))
	for _, f := range frags {
		clauses = append(clauses, f.SQL)
		args = append(args, f.Args...)
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

// BuildFTSQuery quotes text as a single trigram phrase. Terms shorter than three
// characters cannot use a trigram index and yield "".
func BuildFTSQuery(text string) string {
	s := strings.TrimSpace(text)
	if utf8.RuneCountInString(s) < 3 {
		return ""
	}
	return `"` + strings.ReplaceAll(s, `"`, `""`) + `"`
}
