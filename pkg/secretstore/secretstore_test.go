package secretstore

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBotKeys(t *testing.T) {
	s, err := Open(OpenOptions{InMemory: true})
	require.NoError(t, err)
	defer s.Close()

	_, found, err := s.BotKey("momentum-g0-a")
	require.NoError(t, err)
	require.False(t, found)

	require.NoError(t, s.SetBotKey("momentum-g0-a", "sk_1"))
	require.NoError(t, s.SetBotKey("hybrid-g0-b", "sk_2"))

	v, found, err := s.BotKey("momentum-g0-a")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, "sk_1", v)

	ids, err := s.BotIDs()
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"momentum-g0-a", "hybrid-g0-b"}, ids)

	require.NoError(t, s.Delete("bot_key/hybrid-g0-b"))
	_, found, err = s.BotKey("hybrid-g0-b")
	require.NoError(t, err)
	require.False(t, found)
}

func TestParseKey(t *testing.T) {
	k, err := ParseKey(strings.Repeat("ab", 32))
	require.NoError(t, err)
	require.Len(t, k, 32)

	_, err = ParseKey("abcd")
	require.Error(t, err)

	k, err = ParseKey("")
	require.NoError(t, err)
	require.Nil(t, k)
}
