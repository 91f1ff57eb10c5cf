package script

import (
	"fmt"
	"strings"

	"go.starlark.net/syntax"

	"aiconsole/internal/domain"
)

// Documenter renders Starlark API source as markdown. The source is parsed,
// never executed.
type Documenter struct{}

var _ domain.APIDocumenter = Documenter{}

// Document returns the module docstring followed by one section per public
// top-level function.
func (Documenter) Document(source []byte) (string, error) {
	f, err := syntax.Parse("api.star", source, 0)
	if err != nil {
		return "", domain.NewSubSystemError("starlark", "script.Document", domain.ErrInvalidInput, err.Error())
	}

	var b strings.Builder
	if doc := docstring(f.Stmts); doc != "" {
		b.WriteString(doc)
		b.WriteString("\n")
	}

	for _, stmt := range f.Stmts {
		def, ok := stmt.(*syntax.DefStmt)
		if !ok || strings.HasPrefix(def.Name.Name, "_") {
			continue
		}
		if b.Len() > 0 {
			b.WriteString("\n")
		}
		fmt.Fprintf(&b, "## %s(%s)\n", def.Name.Name, formatParams(def.Params))
		if doc := docstring(def.Body); doc != "" {
			b.WriteString("\n")
			b.WriteString(doc)
			b.WriteString("\n")
		}
	}
	return b.String(), nil
}

// docstring returns the cleaned leading string literal of a body.
func docstring(stmts []syntax.Stmt) string {
	if len(stmts) == 0 {
		return ""
	}
	expr, ok := stmts[0].(*syntax.ExprStmt)
	if !ok {
		return ""
	}
	lit, ok := expr.X.(*syntax.Literal)
	if !ok || lit.Token != syntax.STRING {
		return ""
	}
	s, _ := lit.Value.(string)
	return cleanDoc(s)
}

// cleanDoc trims a docstring and removes the indentation shared by every
// line after the first.
func cleanDoc(s string) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	indent := -1
	for _, l := range lines[1:] {
		if strings.TrimSpace(l) == "" {
			continue
		}
		n := len(l) - len(strings.TrimLeft(l, " \t"))
		if indent < 0 || n < indent {
			indent = n
		}
	}
	if indent > 0 {
		for i := 1; i < len(lines); i++ {
			if len(lines[i]) >= indent {
				lines[i] = lines[i][indent:]
			} else {
				lines[i] = strings.TrimLeft(lines[i], " \t")
			}
		}
	}
	return strings.Join(lines, "\n")
}

func formatParams(params []syntax.Expr) string {
	parts := make([]string, 0, len(params))
	for _, p := range params {
		parts = append(parts, formatParam(p))
	}
	return strings.Join(parts, ", ")
}

func formatParam(p syntax.Expr) string {
	switch p := p.(type) {
	case *syntax.Ident:
		return p.Name
	case *syntax.BinaryExpr:
		if id, ok := p.X.(*syntax.Ident); ok && p.Op == syntax.EQ {
			return id.Name + "=" + formatDefault(p.Y)
		}
	case *syntax.UnaryExpr:
		if p.X == nil {
			return p.Op.String()
		}
		if id, ok := p.X.(*syntax.Ident); ok {
			return p.Op.String() + id.Name
		}
	}
	return "?"
}

func formatDefault(e syntax.Expr) string {
	switch e := e.(type) {
	case *syntax.Literal:
		return e.Raw
	case *syntax.Ident:
		return e.Name
	case *syntax.ListExpr:
		if len(e.List) == 0 {
			return "[]"
		}
	case *syntax.DictExpr:
		if len(e.List) == 0 {
			return "{}"
		}
	}
	return "..."
}
