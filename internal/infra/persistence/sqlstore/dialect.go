package sqlstore

import (
	"fmt"
	"strconv"
)

// Dialect holds the statements and error classification for one SQL engine.
type Dialect struct {
	Name string
	// Schema creates the entities table when missing.
	Schema []string
	// Placeholder renders the n-th (1-based) bind parameter.
	Placeholder func(n int) string
	// IsTransient reports driver errors worth retrying.
	IsTransient func(error) bool
	Retry       RetryConfig
}

// QuestionPlaceholder renders ? for every parameter.
func QuestionPlaceholder(int) string { return "?" }

// DollarPlaceholder renders $1, $2, ...
func DollarPlaceholder(n int) string { return "$" + strconv.Itoa(n) }

// EntitiesTable returns the default table definition. stateType is the column
// type holding the encoded document; it must keep the document text verbatim
// so named associations keep their key order.
func EntitiesTable(stateType string) string {
	return fmt.Sprintf(`CREATE TABLE IF NOT EXISTS entities (
		reference TEXT PRIMARY KEY,
		type TEXT NOT NULL,
		version BIGINT NOT NULL,
		modified BIGINT NOT NULL,
		state %s NOT NULL
	)`, stateType)
}

type statements struct {
	get    string
	insert string
	update string
	remove string
	visit  string
}

func (d Dialect) statements() statements {
	p := d.Placeholder
	if p == nil {
		p = QuestionPlaceholder
	}
	return statements{
		get:    fmt.Sprintf(`SELECT state FROM entities WHERE reference = %s`, p(1)),
		insert: fmt.Sprintf(`INSERT INTO entities(reference, type, version, modified, state) VALUES(%s, %s, %s, %s, %s) ON CONFLICT(reference) DO NOTHING`, p(1), p(2), p(3), p(4), p(5)),
		update: fmt.Sprintf(`UPDATE entities SET type = %s, version = %s, modified = %s, state = %s WHERE reference = %s AND version = %s`, p(1), p(2), p(3), p(4), p(5), p(6)),
		remove: fmt.Sprintf(`DELETE FROM entities WHERE reference = %s AND version = %s`, p(1), p(2)),
		visit:  `SELECT state FROM entities ORDER BY reference`,
	}
}
