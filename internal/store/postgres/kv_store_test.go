package postgres

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/alanyoungcy/pulsemarket/internal/domain"
)

func TestLikePrefix(t *testing.T) {
	assert.Equal(t, "pulsemarket:vault:%", likePrefix("pulsemarket:vault:"))
	assert.Equal(t, `a\_b\%c\\%`, likePrefix(`a_b%c\`))
}

func TestDSN(t *testing.T) {
	assert.Equal(t, "postgres://u:p@db:5432/pm?sslmode=disable", DSN(ClientConfig{Host: "db", Database: "pm", User: "u", Password: "p"}))
	assert.Equal(t, "postgres://x", DSN(ClientConfig{DSN: "postgres://x", Host: "ignored"}))
}

func TestMigrationsEmbedded(t *testing.T) {
	names, err := migrationNames()
	assert.NoError(t, err)
	assert.Equal(t, []string{"001_kv.sql", "002_audit_log.sql"}, names)
}

func TestAuditListQuery(t *testing.T) {
	q, args := listQuery(domain.ListOpts{})
	assert.Equal(t, "SELECT id, event, detail, created_at FROM audit_log ORDER BY id DESC", q)
	assert.Empty(t, args)

	since := time.Unix(100, 0)
	q, args = listQuery(domain.ListOpts{Event: "position_placed", Since: &since, Limit: 10, Offset: 20})
	assert.Equal(t, "SELECT id, event, detail, created_at FROM audit_log WHERE event = $1 AND created_at >= $2 ORDER BY id DESC LIMIT $3 OFFSET $4", q)
	assert.Equal(t, []any{"position_placed", since, 10, 20}, args)
}
