package shellwriter

import (
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"shellsync/internal/cryptoprim"
	"shellsync/internal/model"
	"shellsync/internal/testutil"
)

func sealAlias(t *testing.T, key []byte, group, name, command string) model.Alias {
	t.Helper()
	ct, nonce, err := cryptoprim.SealField(key, group, []byte(command))
	require.NoError(t, err)
	return model.Alias{Group: group, Name: name, CommandCT: ct, Nonce: nonce, Version: 1}
}

func TestWriteProducesSortedDecryptedAliases(t *testing.T) {
	sb, err := testutil.NewSandbox()
	require.NoError(t, err)
	t.Cleanup(func() { sb.Cleanup() })

	key, err := cryptoprim.GenerateGroupKey()
	require.NoError(t, err)

	aliases := []model.Alias{
		sealAlias(t, key, "default", "zz", "echo z"),
		sealAlias(t, key, "default", "aa", "git status"),
	}

	path := sb.Path("aliases.sh")
	require.NoError(t, Write(path, aliases, key, "default"))

	out, err := os.ReadFile(path)
	require.NoError(t, err)
	content := string(out)

	aaIdx := strings.Index(content, "alias aa=")
	zzIdx := strings.Index(content, "alias zz=")
	require.GreaterOrEqual(t, aaIdx, 0)
	require.GreaterOrEqual(t, zzIdx, 0)
	require.Less(t, aaIdx, zzIdx)
	require.Contains(t, content, `alias aa='git status'`)
}

func TestWriteSkipsTombstonedAliases(t *testing.T) {
	sb, err := testutil.NewSandbox()
	require.NoError(t, err)
	t.Cleanup(func() { sb.Cleanup() })

	key, err := cryptoprim.GenerateGroupKey()
	require.NoError(t, err)

	a := sealAlias(t, key, "default", "gone", "echo gone")
	a.Tombstone = true

	path := sb.Path("aliases.sh")
	require.NoError(t, Write(path, []model.Alias{a}, key, "default"))

	out, err := os.ReadFile(path)
	require.NoError(t, err)
	require.NotContains(t, string(out), "gone")
}

func TestWriteFailsOnDecryptErrorWithWrongKey(t *testing.T) {
	sb, err := testutil.NewSandbox()
	require.NoError(t, err)
	t.Cleanup(func() { sb.Cleanup() })

	key, err := cryptoprim.GenerateGroupKey()
	require.NoError(t, err)
	wrongKey, err := cryptoprim.GenerateGroupKey()
	require.NoError(t, err)

	a := sealAlias(t, key, "default", "gs", "git status")
	path := sb.Path("aliases.sh")
	err = Write(path, []model.Alias{a}, wrongKey, "default")
	require.Error(t, err)
}

func TestWriteEscapesSingleQuotesInCommand(t *testing.T) {
	sb, err := testutil.NewSandbox()
	require.NoError(t, err)
	t.Cleanup(func() { sb.Cleanup() })

	key, err := cryptoprim.GenerateGroupKey()
	require.NoError(t, err)

	a := sealAlias(t, key, "default", "gl", `git log --pretty='%h %s'`)
	path := sb.Path("aliases.sh")
	require.NoError(t, Write(path, []model.Alias{a}, key, "default"))

	out, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Contains(t, string(out), `'\''`)
}
