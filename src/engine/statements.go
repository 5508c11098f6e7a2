package engine

import (
	"fmt"
	"regexp"
	"strings"

	"branchdb/src/dberrors"
	"branchdb/src/helpers"
	"branchdb/src/models"
)

// Columns every table carries. They are added by CreateTable and can not be
// declared, dropped or renamed by users.
var ReservedColumns = []string{"id", "created_at", "updated_at"}

const defaultColumns = `"id" TEXT PRIMARY KEY, "created_at" TEXT, "updated_at" TEXT`

var (
	identifierPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)
	typePattern       = regexp.MustCompile(`^[A-Za-z]+( [A-Za-z]+)?(\(\s*\d+\s*(,\s*\d+\s*)?\))?$`)
	referencePattern  = regexp.MustCompile(`^([A-Za-z_][A-Za-z0-9_]*)(\(([A-Za-z_][A-Za-z0-9_]*)\))?$`)
)

// StatementBuilder turns schema operations into change entries whose
// definition is the SQL statement that performs them.
type StatementBuilder struct {
	factory EntityFactory
}

func NewStatementBuilder(factory EntityFactory) *StatementBuilder {
	return &StatementBuilder{factory: factory}
}

func (s *StatementBuilder) CreateTable(branch, table string, columns []models.Column) (models.ChangeEntry, error) {
	if err := validateIdentifier("table", table); err != nil {
		return models.ChangeEntry{}, err
	}
	if isInternalName(table) {
		return models.ChangeEntry{}, fmt.Errorf("table name %q is reserved by the engine: %w", table, dberrors.NotValid)
	}

	defs := []string{defaultColumns}
	names := make([]string, 0, len(columns))
	seen := map[string]bool{}
	for _, col := range columns {
		def, err := columnDefinition(col)
		if err != nil {
			return models.ChangeEntry{}, err
		}
		lower := strings.ToLower(col.Name)
		if seen[lower] {
			return models.ChangeEntry{}, fmt.Errorf("column %q declared twice: %w", col.Name, dberrors.NotValid)
		}
		seen[lower] = true
		defs = append(defs, def)
		names = append(names, col.Name)
	}

	stmt := fmt.Sprintf("CREATE TABLE %s (%s)", helpers.QuoteIdentifier(table), strings.Join(defs, ", "))
	return s.factory.NewChange(branch, models.CreateTable, "table", table, stmt, map[string]string{
		"table":   table,
		"columns": strings.Join(names, ","),
	}), nil
}

func (s *StatementBuilder) DropTable(branch, table string) (models.ChangeEntry, error) {
	if err := validateIdentifier("table", table); err != nil {
		return models.ChangeEntry{}, err
	}
	stmt := fmt.Sprintf("DROP TABLE %s", helpers.QuoteIdentifier(table))
	return s.factory.NewChange(branch, models.DropTable, "table", table, stmt, map[string]string{
		"table": table,
	}), nil
}

func (s *StatementBuilder) AddColumn(branch, table string, column models.Column) (models.ChangeEntry, error) {
	if err := validateIdentifier("table", table); err != nil {
		return models.ChangeEntry{}, err
	}
	def, err := columnDefinition(column)
	if err != nil {
		return models.ChangeEntry{}, err
	}
	stmt := fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s", helpers.QuoteIdentifier(table), def)
	return s.factory.NewChange(branch, models.AddColumn, "column", table, stmt, map[string]string{
		"table":  table,
		"column": column.Name,
		"type":   strings.ToUpper(column.Type),
	}), nil
}

func (s *StatementBuilder) DropColumn(branch, table, column string) (models.ChangeEntry, error) {
	if err := validateIdentifier("table", table); err != nil {
		return models.ChangeEntry{}, err
	}
	if err := validateUserColumn(column); err != nil {
		return models.ChangeEntry{}, err
	}
	stmt := fmt.Sprintf("ALTER TABLE %s DROP COLUMN %s", helpers.QuoteIdentifier(table), helpers.QuoteIdentifier(column))
	return s.factory.NewChange(branch, models.DropColumn, "column", table, stmt, map[string]string{
		"table":  table,
		"column": column,
	}), nil
}

func (s *StatementBuilder) RenameColumn(branch, table, oldName, newName string) (models.ChangeEntry, error) {
	if err := validateIdentifier("table", table); err != nil {
		return models.ChangeEntry{}, err
	}
	if err := validateUserColumn(oldName); err != nil {
		return models.ChangeEntry{}, err
	}
	if err := validateUserColumn(newName); err != nil {
		return models.ChangeEntry{}, err
	}
	stmt := fmt.Sprintf("ALTER TABLE %s RENAME COLUMN %s TO %s",
		helpers.QuoteIdentifier(table), helpers.QuoteIdentifier(oldName), helpers.QuoteIdentifier(newName))
	return s.factory.NewChange(branch, models.RenameColumn, "column", table, stmt, map[string]string{
		"table":    table,
		"column":   oldName,
		"new_name": newName,
	}), nil
}

func (s *StatementBuilder) CreateView(branch, view, query string) (models.ChangeEntry, error) {
	stmt, err := viewStatement(view, query)
	if err != nil {
		return models.ChangeEntry{}, err
	}
	return s.factory.NewChange(branch, models.CreateView, "view", view, stmt, map[string]string{
		"view": view,
	}), nil
}

// UpdateView replaces the query of an existing view. The recorded definition
// is the CREATE VIEW statement; Statements prepends the drop.
func (s *StatementBuilder) UpdateView(branch, view, query string) (models.ChangeEntry, error) {
	stmt, err := viewStatement(view, query)
	if err != nil {
		return models.ChangeEntry{}, err
	}
	return s.factory.NewChange(branch, models.UpdateView, "view", view, stmt, map[string]string{
		"view": view,
	}), nil
}

func (s *StatementBuilder) DropView(branch, view string) (models.ChangeEntry, error) {
	if err := validateIdentifier("view", view); err != nil {
		return models.ChangeEntry{}, err
	}
	stmt := fmt.Sprintf("DROP VIEW %s", helpers.QuoteIdentifier(view))
	return s.factory.NewChange(branch, models.DropView, "view", view, stmt, map[string]string{
		"view": view,
	}), nil
}

func (s *StatementBuilder) CreateIndex(branch, index, table string, columns []string, unique bool) (models.ChangeEntry, error) {
	if err := validateIdentifier("index", index); err != nil {
		return models.ChangeEntry{}, err
	}
	if isInternalName(index) {
		return models.ChangeEntry{}, fmt.Errorf("index name %q is reserved by the engine: %w", index, dberrors.NotValid)
	}
	if err := validateIdentifier("table", table); err != nil {
		return models.ChangeEntry{}, err
	}
	if len(columns) == 0 {
		return models.ChangeEntry{}, fmt.Errorf("index %q needs at least one column: %w", index, dberrors.NotValid)
	}
	quoted := make([]string, 0, len(columns))
	for _, col := range columns {
		if err := validateIdentifier("column", col); err != nil {
			return models.ChangeEntry{}, err
		}
		quoted = append(quoted, helpers.QuoteIdentifier(col))
	}

	kind := "INDEX"
	if unique {
		kind = "UNIQUE INDEX"
	}
	stmt := fmt.Sprintf("CREATE %s %s ON %s (%s)", kind, helpers.QuoteIdentifier(index),
		helpers.QuoteIdentifier(table), strings.Join(quoted, ", "))
	return s.factory.NewChange(branch, models.CreateIndex, "index", index, stmt, map[string]string{
		"index":   index,
		"table":   table,
		"columns": strings.Join(columns, ","),
		"unique":  fmt.Sprintf("%t", unique),
	}), nil
}

func (s *StatementBuilder) DropIndex(branch, index string) (models.ChangeEntry, error) {
	if err := validateIdentifier("index", index); err != nil {
		return models.ChangeEntry{}, err
	}
	stmt := fmt.Sprintf("DROP INDEX %s", helpers.QuoteIdentifier(index))
	return s.factory.NewChange(branch, models.DropIndex, "index", index, stmt, map[string]string{
		"index": index,
	}), nil
}

// Statements returns the SQL that replays entry against a store, in order.
func Statements(entry models.ChangeEntry) []string {
	if entry.Type == models.UpdateView {
		return []string{
			fmt.Sprintf("DROP VIEW IF EXISTS %s", helpers.QuoteIdentifier(entry.TargetName)),
			entry.Definition,
		}
	}
	return []string{entry.Definition}
}

// StatementsFor flattens the replay statements of entries.
func StatementsFor(entries []models.ChangeEntry) []string {
	stmts := make([]string, 0, len(entries))
	for _, e := range entries {
		stmts = append(stmts, Statements(e)...)
	}
	return stmts
}

// IsReservedColumn reports whether name is one of the automatic columns.
func IsReservedColumn(name string) bool {
	for _, r := range ReservedColumns {
		if strings.EqualFold(r, name) {
			return true
		}
	}
	return false
}

func columnDefinition(col models.Column) (string, error) {
	if err := validateUserColumn(col.Name); err != nil {
		return "", err
	}
	colType := strings.ToUpper(strings.TrimSpace(col.Type))
	if !typePattern.MatchString(colType) {
		return "", fmt.Errorf("column %q has invalid type %q: %w", col.Name, col.Type, dberrors.NotValid)
	}

	parts := []string{helpers.QuoteIdentifier(col.Name), colType}
	if col.NotNull {
		parts = append(parts, "NOT NULL")
	}
	if col.Default != "" {
		if err := validateExpression("default", col.Default); err != nil {
			return "", err
		}
		parts = append(parts, "DEFAULT "+defaultClause(col.Default))
	}
	if col.Unique {
		parts = append(parts, "UNIQUE")
	}
	if col.Check != "" {
		if err := validateExpression("check", col.Check); err != nil {
			return "", err
		}
		parts = append(parts, "CHECK ("+col.Check+")")
	}
	if col.References != "" {
		m := referencePattern.FindStringSubmatch(col.References)
		if m == nil {
			return "", fmt.Errorf("column %q has invalid reference %q: %w", col.Name, col.References, dberrors.NotValid)
		}
		ref := "REFERENCES " + helpers.QuoteIdentifier(m[1])
		if m[3] != "" {
			ref += "(" + helpers.QuoteIdentifier(m[3]) + ")"
		}
		parts = append(parts, ref)
	}
	return strings.Join(parts, " "), nil
}

// defaultClause wraps expressions in parentheses; single literals stay bare.
func defaultClause(value string) string {
	v := strings.TrimSpace(value)
	if isStringLiteral(v) || isNumeric(v) {
		return v
	}
	switch strings.ToUpper(v) {
	case "NULL", "TRUE", "FALSE", "CURRENT_TIMESTAMP", "CURRENT_DATE", "CURRENT_TIME":
		return v
	}
	return "(" + v + ")"
}

func isStringLiteral(v string) bool {
	if len(v) < 2 || v[0] != '\'' {
		return false
	}
	for i := 1; i < len(v); i++ {
		if v[i] != '\'' {
			continue
		}
		if i+1 < len(v) && v[i+1] == '\'' {
			i++
			continue
		}
		return i == len(v)-1
	}
	return false
}

func isNumeric(v string) bool {
	if v == "" {
		return false
	}
	if v[0] == '-' || v[0] == '+' {
		v = v[1:]
	}
	dot := false
	for i, r := range v {
		switch {
		case r >= '0' && r <= '9':
		case r == '.' && !dot && i > 0:
			dot = true
		default:
			return false
		}
	}
	return v != ""
}

func viewStatement(view, query string) (string, error) {
	if err := validateIdentifier("view", view); err != nil {
		return "", err
	}
	q := strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(query), ";"))
	upper := strings.ToUpper(q)
	if !strings.HasPrefix(upper, "SELECT") && !strings.HasPrefix(upper, "WITH") {
		return "", fmt.Errorf("view %q must be defined by a SELECT query: %w", view, dberrors.NotValid)
	}
	if strings.Contains(q, ";") {
		return "", fmt.Errorf("view %q query must be a single statement: %w", view, dberrors.NotValid)
	}
	return fmt.Sprintf("CREATE VIEW %s AS %s", helpers.QuoteIdentifier(view), q), nil
}

func validateIdentifier(kind, name string) error {
	if !identifierPattern.MatchString(name) {
		return fmt.Errorf("%s name %q must be letters, digits and '_' and not start with a digit: %w", kind, name, dberrors.NotValid)
	}
	return nil
}

func validateUserColumn(name string) error {
	if err := validateIdentifier("column", name); err != nil {
		return err
	}
	if IsReservedColumn(name) {
		return fmt.Errorf("column %q is managed automatically: %w", name, dberrors.NotValid)
	}
	return nil
}

// validateExpression keeps a column expression inside its own clause: no
// statement separators, no comments and parentheses that balance outside
// of literals.
func validateExpression(kind, expr string) error {
	depth := 0
	for i := 0; i < len(expr); i++ {
		switch c := expr[i]; c {
		case '\'', '"':
			end := strings.IndexByte(expr[i+1:], c)
			if end < 0 {
				return fmt.Errorf("%s expression %q has an unterminated literal: %w", kind, expr, dberrors.NotValid)
			}
			i += end + 1
		case '(':
			depth++
		case ')':
			depth--
			if depth < 0 {
				return fmt.Errorf("%s expression %q has unbalanced parentheses: %w", kind, expr, dberrors.NotValid)
			}
		case ';':
			return fmt.Errorf("%s expression %q must not contain ';': %w", kind, expr, dberrors.NotValid)
		case '-', '/':
			if strings.HasPrefix(expr[i:], "--") || strings.HasPrefix(expr[i:], "/*") {
				return fmt.Errorf("%s expression %q must not contain comments: %w", kind, expr, dberrors.NotValid)
			}
		}
	}
	if depth != 0 {
		return fmt.Errorf("%s expression %q has unbalanced parentheses: %w", kind, expr, dberrors.NotValid)
	}
	return nil
}

func isInternalName(name string) bool {
	return strings.HasPrefix(strings.ToLower(name), "sqlite_")
}
