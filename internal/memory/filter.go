package memory

import (
	"fmt"
	"strings"
)

// Filter expressions are rendered as textual predicates for the backend's
// query layer (both SQLite and the pgvector store consume them verbatim in
// WHERE clauses). Escaping and column whitelisting are enforced here, in one
// place, so query construction elsewhere never touches raw user input.

// Expr is a filter predicate that renders to a boolean SQL expression.
type Expr interface {
	render(b *strings.Builder)
}

// Render produces the textual form of an expression.
func Render(e Expr) string {
	var b strings.Builder
	e.render(&b)
	return b.String()
}

// escape doubles single quotes so user-supplied values cannot break out of
// a string literal.
func escape(v string) string {
	return strings.ReplaceAll(v, "'", "''")
}

// literal renders a string value as a quoted SQL literal, or the NULL
// keyword (never a quoted string) when the value is empty.
func literal(v string) string {
	if v == "" {
		return "NULL"
	}
	return "'" + escape(v) + "'"
}

type eqExpr struct {
	col string
	val string
}

func (e eqExpr) render(b *strings.Builder) {
	if e.val == "" {
		b.WriteString(e.col)
		b.WriteString(" IS NULL")
		return
	}
	b.WriteString(e.col)
	b.WriteString(" = ")
	b.WriteString(literal(e.val))
}

// Eq matches rows where col equals val; an empty val matches NULL.
func Eq(col, val string) Expr { return eqExpr{col: col, val: val} }

type isNullExpr struct{ col string }

func (e isNullExpr) render(b *strings.Builder) {
	b.WriteString(e.col)
	b.WriteString(" IS NULL")
}

// IsNull matches rows where col is NULL.
func IsNull(col string) Expr { return isNullExpr{col: col} }

type eqOrNullExpr struct {
	col string
	val string
}

func (e eqOrNullExpr) render(b *strings.Builder) {
	b.WriteString("(")
	b.WriteString(e.col)
	b.WriteString(" = ")
	b.WriteString(literal(e.val))
	b.WriteString(" OR ")
	b.WriteString(e.col)
	b.WriteString(" IS NULL)")
}

// EqOrNull matches rows where col equals val or is NULL: the
// hierarchical-with-fallback scope rule for block lookups.
func EqOrNull(col, val string) Expr { return eqOrNullExpr{col: col, val: val} }

type gteExpr struct {
	col string
	val float64
}

func (e gteExpr) render(b *strings.Builder) {
	fmt.Fprintf(b, "%s >= %g", e.col, e.val)
}

// Gte matches rows where the numeric column is at least val.
func Gte(col string, val float64) Expr { return gteExpr{col: col, val: val} }

type andExpr struct{ exprs []Expr }

func (e andExpr) render(b *strings.Builder) {
	for i, sub := range e.exprs {
		if i > 0 {
			b.WriteString(" AND ")
		}
		sub.render(b)
	}
}

// And conjoins predicates.
func And(exprs ...Expr) Expr { return andExpr{exprs: exprs} }

// archivalScope builds the scope predicate shared by archival searches and
// bulk operations: user_id exact match, chat_id exact match only when the
// caller provides one.
func archivalScope(userID, chatID string) Expr {
	if chatID == "" {
		return Eq("user_id", userID)
	}
	return And(Eq("user_id", userID), Eq("chat_id", chatID))
}

// blockScope builds the hierarchical-with-fallback predicate for block
// lookups: a row matches only if each scope column is NULL or equals the
// requested value, and a row demanding a scope the caller omitted never
// matches.
func blockScope(chatID, userID string) Expr {
	var chat, user Expr
	if chatID == "" {
		chat = IsNull("chat_id")
	} else {
		chat = EqOrNull("chat_id", chatID)
	}
	if userID == "" {
		user = IsNull("user_id")
	} else {
		user = EqOrNull("user_id", userID)
	}
	return And(chat, user)
}

// blockKey builds the exact-key predicate for block replacement: NULL scope
// values match only NULL, never fall back.
func blockKey(label, chatID, userID string) Expr {
	return And(Eq("label", label), Eq("chat_id", chatID), Eq("user_id", userID))
}

// orderColumns is the whitelist of sortable archival columns.
var orderColumns = map[string]bool{
	"created_at":   true,
	"importance":   true,
	"access_count": true,
	"accessed_at":  true,
}

// OrderBy validates an order-by column against the whitelist and renders the
// ORDER BY fragment. Unrecognized columns silently fall back to created_at
// descending so sort parameters can never reach query construction raw.
func OrderBy(col string, desc bool) string {
	if !orderColumns[col] {
		col = "created_at"
		desc = true
	}
	dir := "ASC"
	if desc {
		dir = "DESC"
	}
	return col + " " + dir
}
