package postgres

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestWhereNumbersPlaceholders(t *testing.T) {
	var w where
	w.add("a = ?", 1)
	w.add("is_active")
	w.add("(b > ? OR (b = ? AND c > ?))", 2, 2, 3)
	q := "SELECT 1 FROM t" + w.String() + page(&w, 10, 20)

	assert.Equal(t, "SELECT 1 FROM t WHERE a = $1 AND is_active AND (b > $2 OR (b = $3 AND c > $4)) LIMIT $5 OFFSET $6", q)
	assert.Equal(t, []any{1, 2, 2, 3, 10, 20}, w.args)
}

func TestEmptyWhere(t *testing.T) {
	var w where
	assert.Empty(t, w.String())
	assert.Empty(t, page(&w, 0, 0))
}
