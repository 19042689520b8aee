package postgres

import (
	"strconv"
	"strings"

	"github.com/jmoiron/sqlx"
)

// queryBuilder assembles a SELECT with optional WHERE conditions. Conditions
// use ? placeholders and are rebound to $n at build time, so the filter code
// reads the same regardless of how many conditions preceded it.
type queryBuilder struct {
	base   string
	wheres []string
	args   []any
	order  string
	lim    int
}

func newQueryBuilder(base string) *queryBuilder {
	return &queryBuilder{base: base}
}

func (qb *queryBuilder) where(cond string, args ...any) {
	qb.wheres = append(qb.wheres, cond)
	qb.args = append(qb.args, args...)
}

func (qb *queryBuilder) orderBy(order string) {
	qb.order = order
}

func (qb *queryBuilder) limit(n int) {
	qb.lim = n
}

func (qb *queryBuilder) build() (string, []any) {
	var sb strings.Builder
	sb.WriteString(qb.base)
	if len(qb.wheres) > 0 {
		sb.WriteString(" WHERE ")
		sb.WriteString(strings.Join(qb.wheres, " AND "))
	}
	if qb.order != "" {
		sb.WriteString(" ORDER BY ")
		sb.WriteString(qb.order)
	}
	if qb.lim > 0 {
		sb.WriteString(" LIMIT ")
		sb.WriteString(strconv.Itoa(qb.lim))
	}
	return sqlx.Rebind(sqlx.DOLLAR, sb.String()), qb.args
}
