package keymanager

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"shellsync/internal/testutil"
	"shellsync/internal/wireproto"
)

func TestOpenCreatesIdentityOnFirstRun(t *testing.T) {
	sb, err := testutil.NewSandbox()
	require.NoError(t, err)
	t.Cleanup(func() { sb.Cleanup() })

	m1, err := Open(sb.Root)
	require.NoError(t, err)
	pub1 := m1.PublicKey()

	m2, err := Open(sb.Root)
	require.NoError(t, err)
	pub2 := m2.PublicKey()

	require.Equal(t, pub1, pub2, "identity must persist across restarts")
}

func TestCreateGroupAndKeyRequestRoundTrip(t *testing.T) {
	sbA, err := testutil.NewSandbox()
	require.NoError(t, err)
	t.Cleanup(func() { sbA.Cleanup() })
	sbB, err := testutil.NewSandbox()
	require.NoError(t, err)
	t.Cleanup(func() { sbB.Cleanup() })

	owner, err := Open(sbA.Root)
	require.NoError(t, err)
	require.NoError(t, owner.CreateGroup("default"))

	joiner, err := Open(sbB.Root)
	require.NoError(t, err)
	require.False(t, joiner.HasGroupKey("default"))

	req := joiner.BuildKeyRequest("default", "machine-b")
	resp, err := owner.AnswerKeyRequest(req)
	require.NoError(t, err)

	require.NoError(t, joiner.AcceptKeyResponse(resp))
	require.True(t, joiner.HasGroupKey("default"))

	ownerKey, err := owner.GroupKey("default")
	require.NoError(t, err)
	joinerKey, err := joiner.GroupKey("default")
	require.NoError(t, err)
	require.Equal(t, ownerKey, joinerKey)
}

func TestRotateGroupKeyDistributesToAllRecipients(t *testing.T) {
	sb, err := testutil.NewSandbox()
	require.NoError(t, err)
	t.Cleanup(func() { sb.Cleanup() })

	owner, err := Open(sb.Root)
	require.NoError(t, err)
	require.NoError(t, owner.CreateGroup("default"))
	oldKey, _ := owner.GroupKey("default")

	sbB, err := testutil.NewSandbox()
	require.NoError(t, err)
	t.Cleanup(func() { sbB.Cleanup() })
	member, err := Open(sbB.Root)
	require.NoError(t, err)

	recipients := map[string][32]byte{"member": member.PublicKey()}
	update, err := owner.RotateGroupKey(context.Background(), "default", recipients)
	require.NoError(t, err)
	require.Len(t, update.WrappedPerKB, 1)

	newKey, _ := owner.GroupKey("default")
	require.NotEqual(t, oldKey, newKey)

	var memberResp wireproto.KeyResponsePayload
	for _, r := range update.WrappedPerKB {
		if r.JoinerMachineID == "member" {
			memberResp = r
		}
	}
	require.NoError(t, member.AcceptKeyResponse(memberResp))
	memberKey, _ := member.GroupKey("default")
	require.Equal(t, newKey, memberKey)
}
