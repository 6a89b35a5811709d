package httpapi

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSegmentCountDisambiguation(t *testing.T) {
	trie := newRouteTrie()
	trie.Add("/api/v1/conversations/{id}", RouteRule{Name: "conversation"})
	trie.Add("/api/v1/conversations/{id}/messages", RouteRule{Name: "messages"})

	short := trie.Match("/api/v1/conversations/abc")
	require.NotNil(t, short)
	assert.Equal(t, "conversation", short.Name)

	long := trie.Match("/api/v1/conversations/abc/messages")
	require.NotNil(t, long)
	assert.Equal(t, "messages", long.Name)

	assert.Nil(t, trie.Match("/api/v1/conversations"), "prefix alone must not match")
	assert.Nil(t, trie.Match("/api/v1/conversations/abc/messages/extra"),
		"longer paths must not match a shorter pattern")
}

func TestLiteralBeatsWildcard(t *testing.T) {
	trie := newRouteTrie()
	trie.Add("/runs/{id}", RouteRule{Name: "by_id"})
	trie.Add("/runs/latest", RouteRule{Name: "latest"})

	assert.Equal(t, "latest", trie.Match("/runs/latest").Name)
	assert.Equal(t, "by_id", trie.Match("/runs/run_42").Name)
}

func TestWildcardMidPath(t *testing.T) {
	trie := newRouteTrie()
	trie.Add("/api/v1/confirmations/{id}/confirm", RouteRule{Name: "confirm"})
	trie.Add("/api/v1/confirmations/{id}/cancel", RouteRule{Name: "cancel"})

	assert.Equal(t, "confirm", trie.Match("/api/v1/confirmations/conf_9/confirm").Name)
	assert.Equal(t, "cancel", trie.Match("/api/v1/confirmations/conf_9/cancel").Name)
	assert.Nil(t, trie.Match("/api/v1/confirmations/conf_9/other"))
}

func TestTrailingSlashNormalized(t *testing.T) {
	trie := newRouteTrie()
	trie.Add("/health", RouteRule{Name: "health"})
	assert.NotNil(t, trie.Match("/health/"))
}
