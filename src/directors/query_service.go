package directors

import (
	"context"
	"database/sql/driver"
	"fmt"
	"strings"
	"unicode"

	"branchdb/src/connpool"
	"branchdb/src/dberrors"
	"branchdb/src/layout"
	"branchdb/src/settings"

	"github.com/jmoiron/sqlx"
	"github.com/mattn/go-sqlite3"
	"go.uber.org/zap"
)

// QueryResult holds the rows of a read statement or the effect of a write.
type QueryResult struct {
	Columns      []string                 `json:"columns,omitempty"`
	Rows         []map[string]interface{} `json:"rows,omitempty"`
	RowsAffected int64                    `json:"rows_affected"`
	LastInsertID int64                    `json:"last_insert_id"`
}

// QueryService runs statements against one tenant store. Reads take no
// mutation section. Schema statements are refused, both by looking at the
// text and by an authorizer on the connection: structure changes go through
// SchemaService so the change log stays complete.
type QueryService struct {
	layout   *layout.Layout
	registry *connpool.Registry
	settings *settings.Arguments
	logger   *zap.SugaredLogger
}

func NewQueryService(l *layout.Layout, registry *connpool.Registry, settings *settings.Arguments, logger *zap.SugaredLogger) *QueryService {
	return &QueryService{
		layout:   l,
		registry: registry,
		settings: settings,
		logger:   logger,
	}
}

type statementKind int

const (
	readStatement statementKind = iota
	writeStatement
	schemaStatement
	attachStatement
	pragmaWriteStatement
	// VACUUM can not run inside a transaction.
	vacuumStatement
	exportStatement
	compoundStatement
)

// Execute runs one statement against the store of key. Non-read statements
// run in their own transaction and are committed before Execute returns.
// Input holding more than one statement is refused.
func (s *QueryService) Execute(ctx context.Context, key layout.StoreKey, query string, args ...interface{}) (*QueryResult, error) {
	ctx, cancel := operationContext(ctx, s.settings)
	defer cancel()

	kind := classifyStatement(query)
	switch kind {
	case schemaStatement:
		return nil, fmt.Errorf("schema statements must go through the schema operations: %w", dberrors.InvalidSchemaChange)
	case attachStatement:
		return nil, fmt.Errorf("attaching other stores is not allowed: %w", dberrors.NotValid)
	case pragmaWriteStatement:
		return nil, fmt.Errorf("store configuration is fixed, pragmas can only be read: %w", dberrors.NotValid)
	case exportStatement:
		return nil, fmt.Errorf("writing the store to another file is not allowed: %w", dberrors.NotValid)
	case compoundStatement:
		return nil, fmt.Errorf("only one statement can run per call: %w", dberrors.NotValid)
	}
	if err := requireTenant(s.layout, key); err != nil {
		return nil, err
	}

	mc, err := s.registry.Acquire(ctx, key)
	if err != nil {
		return nil, err
	}
	defer s.registry.Release(mc)

	result, err := s.run(ctx, mc, kind, query, args)
	if err != nil || kind == readStatement {
		return result, err
	}
	if s.settings.CheckpointOnWrite {
		if err := s.registry.Checkpoint(ctx, key); err != nil {
			s.logger.Warnf("Checkpoint of %s after write failed: %v", key, err)
		}
	}
	return result, nil
}

// run executes query on a connection of its own with a statementGuard
// installed for the duration of the call.
func (s *QueryService) run(ctx context.Context, mc *connpool.ManagedConn, kind statementKind, query string, args []interface{}) (*QueryResult, error) {
	tenant := mc.Key().Tenant
	conn, err := mc.DB().Connx(ctx)
	if err != nil {
		return nil, classifyStoreError(tenant, err)
	}
	defer conn.Close()

	if kind == vacuumStatement {
		if _, err := conn.ExecContext(ctx, query, args...); err != nil {
			return nil, classifyStoreError(tenant, err)
		}
		return &QueryResult{}, nil
	}

	guard := &statementGuard{readOnly: kind == readStatement}
	if err := guard.install(conn); err != nil {
		return nil, err
	}
	defer func() {
		if err := guard.remove(conn); err != nil {
			s.logger.Errorf("Failed to remove statement guard of %s: %v", mc.Key(), err)
			conn.Raw(func(interface{}) error { return driver.ErrBadConn })
		}
	}()

	var result *QueryResult
	if kind == readStatement {
		result, err = s.query(ctx, conn, query, args)
	} else {
		result, err = s.exec(ctx, conn, query, args)
	}
	if err != nil {
		if guard.denied != nil {
			return nil, guard.denied
		}
		return nil, classifyStoreError(tenant, err)
	}
	return result, nil
}

func (s *QueryService) query(ctx context.Context, conn *sqlx.Conn, query string, args []interface{}) (*QueryResult, error) {
	rows, err := conn.QueryxContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		return nil, err
	}
	result := &QueryResult{Columns: columns, Rows: []map[string]interface{}{}}
	for rows.Next() {
		row := make(map[string]interface{}, len(columns))
		if err := rows.MapScan(row); err != nil {
			return nil, err
		}
		for k, v := range row {
			if b, ok := v.([]byte); ok {
				row[k] = string(b)
			}
		}
		result.Rows = append(result.Rows, row)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func (s *QueryService) exec(ctx context.Context, conn *sqlx.Conn, query string, args []interface{}) (*QueryResult, error) {
	tx, err := conn.BeginTxx(ctx, nil)
	if err != nil {
		return nil, err
	}
	res, err := tx.ExecContext(ctx, query, args...)
	if err != nil {
		tx.Rollback()
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}

	result := &QueryResult{}
	result.RowsAffected, _ = res.RowsAffected()
	result.LastInsertID, _ = res.LastInsertId()
	return result, nil
}

// statementGuard is a SQLite authorizer that refuses structural changes,
// attachments and configuration pragmas while a passthrough statement is
// prepared, whatever its text looks like. For read statements it also
// refuses writes.
type statementGuard struct {
	readOnly bool
	denied   error
}

func (g *statementGuard) install(conn *sqlx.Conn) error {
	return conn.Raw(func(driverConn interface{}) error {
		sc, ok := driverConn.(*sqlite3.SQLiteConn)
		if !ok {
			return fmt.Errorf("unexpected driver connection %T", driverConn)
		}
		sc.RegisterAuthorizer(g.authorize)
		return nil
	})
}

func (g *statementGuard) remove(conn *sqlx.Conn) error {
	return conn.Raw(func(driverConn interface{}) error {
		sc, ok := driverConn.(*sqlite3.SQLiteConn)
		if !ok {
			return fmt.Errorf("unexpected driver connection %T", driverConn)
		}
		sc.RegisterAuthorizer(nil)
		return nil
	})
}

func (g *statementGuard) authorize(op int, arg1, arg2, arg3 string) int {
	switch op {
	case sqlite3.SQLITE_CREATE_INDEX, sqlite3.SQLITE_CREATE_TABLE, sqlite3.SQLITE_CREATE_TRIGGER,
		sqlite3.SQLITE_CREATE_VIEW, sqlite3.SQLITE_CREATE_VTABLE,
		sqlite3.SQLITE_CREATE_TEMP_INDEX, sqlite3.SQLITE_CREATE_TEMP_TABLE,
		sqlite3.SQLITE_CREATE_TEMP_TRIGGER, sqlite3.SQLITE_CREATE_TEMP_VIEW,
		sqlite3.SQLITE_DROP_INDEX, sqlite3.SQLITE_DROP_TABLE, sqlite3.SQLITE_DROP_TRIGGER,
		sqlite3.SQLITE_DROP_VIEW, sqlite3.SQLITE_DROP_VTABLE,
		sqlite3.SQLITE_DROP_TEMP_INDEX, sqlite3.SQLITE_DROP_TEMP_TABLE,
		sqlite3.SQLITE_DROP_TEMP_TRIGGER, sqlite3.SQLITE_DROP_TEMP_VIEW,
		sqlite3.SQLITE_ALTER_TABLE:
		return g.deny(fmt.Errorf("schema statements must go through the schema operations: %w", dberrors.InvalidSchemaChange))
	case sqlite3.SQLITE_ATTACH, sqlite3.SQLITE_DETACH:
		return g.deny(fmt.Errorf("attaching other stores is not allowed: %w", dberrors.NotValid))
	case sqlite3.SQLITE_PRAGMA:
		name := strings.ToLower(arg1)
		if actionPragmas[name] || (arg2 != "" && !queryPragmas[name]) {
			return g.deny(fmt.Errorf("store configuration is fixed, pragma %s can only be read: %w", name, dberrors.NotValid))
		}
	case sqlite3.SQLITE_INSERT, sqlite3.SQLITE_UPDATE, sqlite3.SQLITE_DELETE:
		if g.readOnly {
			return g.deny(fmt.Errorf("read statement writes to %s: %w", arg1, dberrors.NotValid))
		}
	}
	return sqlite3.SQLITE_OK
}

func (g *statementGuard) deny(err error) int {
	if g.denied == nil {
		g.denied = err
	}
	return sqlite3.SQLITE_DENY
}

// Pragmas whose argument names the object to report on.
var queryPragmas = map[string]bool{
	"table_info":        true,
	"table_xinfo":       true,
	"table_list":        true,
	"index_info":        true,
	"index_xinfo":       true,
	"index_list":        true,
	"foreign_key_list":  true,
	"foreign_key_check": true,
	"integrity_check":   true,
	"quick_check":       true,
}

// Pragmas that act on the store even without an argument.
var actionPragmas = map[string]bool{
	"wal_checkpoint":     true,
	"incremental_vacuum": true,
	"optimize":           true,
	"shrink_memory":      true,
}

var readKeywords = map[string]bool{
	"SELECT":  true,
	"WITH":    true,
	"EXPLAIN": true,
	"VALUES":  true,
}

var schemaKeywords = map[string]bool{
	"CREATE": true,
	"ALTER":  true,
	"DROP":   true,
}

// classifyStatement looks at the leading keyword of query and at whether a
// second statement follows the first.
func classifyStatement(query string) statementKind {
	text := stripLeadingComments(query)
	word := strings.ToUpper(leadingWord(text))
	switch {
	case schemaKeywords[word]:
		return schemaStatement
	case word == "ATTACH" || word == "DETACH":
		return attachStatement
	case hasSecondStatement(text):
		return compoundStatement
	case word == "VACUUM":
		if containsWord(strings.ToUpper(text), "INTO") {
			return exportStatement
		}
		return vacuumStatement
	case word == "PRAGMA":
		if pragmaWrites(text[len(word):]) {
			return pragmaWriteStatement
		}
		return readStatement
	case word == "WITH":
		// A common table expression may front a write.
		upper := strings.ToUpper(text)
		for _, w := range []string{"INSERT", "UPDATE", "DELETE", "REPLACE"} {
			if containsWord(upper, w) {
				return writeStatement
			}
		}
		return readStatement
	case readKeywords[word]:
		return readStatement
	}
	return writeStatement
}

// pragmaWrites reports whether the pragma body after the keyword assigns a
// value, passes an argument to a setting, or runs an action.
func pragmaWrites(body string) bool {
	body = strings.TrimSpace(body)
	end := strings.IndexFunc(body, func(r rune) bool {
		return !isWordChar(r) && r != '.'
	})
	if end < 0 {
		end = len(body)
	}
	name := strings.ToLower(body[:end])
	if dot := strings.LastIndexByte(name, '.'); dot >= 0 {
		name = name[dot+1:]
	}
	rest := strings.TrimSpace(body[end:])
	switch {
	case actionPragmas[name]:
		return true
	case strings.HasPrefix(rest, "="):
		return true
	case strings.HasPrefix(rest, "("):
		return !queryPragmas[name]
	}
	return false
}

// hasSecondStatement reports whether anything other than comments and
// semicolons follows the first statement of text.
func hasSecondStatement(text string) bool {
	rest := afterFirstStatement(text)
	for {
		next := strings.TrimLeft(stripLeadingComments(rest), ";")
		if next == rest {
			return rest != ""
		}
		rest = next
	}
}

// afterFirstStatement returns the text following the first semicolon that is
// not inside a literal, a quoted identifier or a comment.
func afterFirstStatement(text string) string {
	for i := 0; i < len(text); {
		c := text[i]
		switch {
		case c == '\'' || c == '"' || c == '`':
			end := strings.IndexByte(text[i+1:], c)
			if end < 0 {
				return ""
			}
			i += end + 2
		case c == '[':
			end := strings.IndexByte(text[i+1:], ']')
			if end < 0 {
				return ""
			}
			i += end + 2
		case strings.HasPrefix(text[i:], "--"):
			end := strings.IndexByte(text[i:], '\n')
			if end < 0 {
				return ""
			}
			i += end + 1
		case strings.HasPrefix(text[i:], "/*"):
			end := strings.Index(text[i+2:], "*/")
			if end < 0 {
				return ""
			}
			i += end + 4
		case c == ';':
			return text[i+1:]
		default:
			i++
		}
	}
	return ""
}

func stripLeadingComments(query string) string {
	text := strings.TrimSpace(query)
	for {
		switch {
		case strings.HasPrefix(text, "--"):
			end := strings.IndexByte(text, '\n')
			if end < 0 {
				return ""
			}
			text = strings.TrimSpace(text[end+1:])
		case strings.HasPrefix(text, "/*"):
			end := strings.Index(text, "*/")
			if end < 0 {
				return ""
			}
			text = strings.TrimSpace(text[end+2:])
		default:
			return text
		}
	}
}

func leadingWord(text string) string {
	end := strings.IndexFunc(text, func(r rune) bool {
		return !unicode.IsLetter(r)
	})
	if end < 0 {
		return text
	}
	return text[:end]
}

func containsWord(text, word string) bool {
	for i := 0; ; {
		j := strings.Index(text[i:], word)
		if j < 0 {
			return false
		}
		start, end := i+j, i+j+len(word)
		before := start == 0 || !isWordChar(rune(text[start-1]))
		after := end == len(text) || !isWordChar(rune(text[end]))
		if before && after {
			return true
		}
		i = end
	}
}

func isWordChar(r rune) bool {
	return unicode.IsLetter(r) || unicode.IsDigit(r) || r == '_'
}
