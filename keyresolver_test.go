package gcoord

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeyResolver(t *testing.T) {
	r := NewKeyResolver(":", nil)
	ctx := context.Background()
	vars := map[string]any{"userId": 42, "order": map[string]any{"id": "A-1"}}

	tests := []struct {
		name  string
		scene string
		tmpl  string
		want  string
		fails bool
	}{
		{name: "static", scene: "order", tmpl: "create", want: "order:create"},
		{name: "variable", scene: "user", tmpl: "#userId", want: "user:42"},
		{name: "template", scene: "order", tmpl: "pay-{{.order.id}}", want: "order:pay-A-1"},
		{name: "empty scene", scene: " ", tmpl: "x", fails: true},
		{name: "empty key", scene: "order", tmpl: "", fails: true},
		{name: "missing variable", scene: "user", tmpl: "#missing", fails: true},
		{name: "missing template key", scene: "user", tmpl: "{{.missing}}", fails: true},
		{name: "bad template", scene: "user", tmpl: "{{.userId", fails: true},
		{name: "empty result", scene: "user", tmpl: "{{if false}}x{{end}}", fails: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := r.Resolve(ctx, tt.scene, tt.tmpl, vars)
			if tt.fails {
				require.ErrorIs(t, err, ErrConfiguration)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestTemplateEvaluatorCachesParsedTemplates(t *testing.T) {
	e := NewTemplateEvaluator()
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		got, err := e.Evaluate(ctx, "{{.a}}-{{.b}}", map[string]any{"a": i, "b": "x"})
		require.NoError(t, err)
		assert.Equal(t, string(rune('0'+i))+"-x", got)
	}
	assert.Len(t, e.cache, 1)
}

func TestParseNames(t *testing.T) {
	lt, err := ParseLockType("write")
	require.NoError(t, err)
	assert.Equal(t, LockWrite, lt)

	lt, err = ParseLockType("")
	require.NoError(t, err)
	assert.Equal(t, LockReentrant, lt)

	_, err = ParseLockType("nope")
	require.ErrorIs(t, err, ErrConfiguration)

	alg, err := ParseAlgorithm("token-bucket")
	require.NoError(t, err)
	assert.Equal(t, TokenBucket, alg)

	_, err = ParseAlgorithm("random")
	require.ErrorIs(t, err, ErrConfiguration)

	assert.Equal(t, "RENEWING", StatusRenewing.String())
	assert.True(t, StatusExpired.Terminal())
	assert.False(t, StatusFallback.Terminal())
}
