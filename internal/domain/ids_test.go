package domain_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/nanoclaw/internal/domain"
)

func TestTraceID_StableAndHex(t *testing.T) {
	a := domain.TraceID("tg:12345", "msg-1")
	b := domain.TraceID("tg:12345", "msg-1")
	assert.Equal(t, a, b)
	require.Len(t, a, 40)
	assert.NotEqual(t, a, domain.TraceID("tg:12345", "msg-2"))
	// The separator must disambiguate (jid, id) boundaries.
	assert.NotEqual(t, domain.TraceID("ab", "c"), domain.TraceID("a", "bc"))
}

func TestShortTraceID(t *testing.T) {
	trace := domain.TraceID("group@g.us", "m1")
	assert.Len(t, domain.ShortTraceID(trace), 10)
	assert.Equal(t, "short", domain.ShortTraceID("short"))
}

func TestStableUserID_Format(t *testing.T) {
	id := domain.StableUserID("group@g.us")
	require.Len(t, id, 2+16)
	assert.Equal(t, "u_", id[:2])
	assert.Equal(t, id, domain.StableUserID("group@g.us"))
}
