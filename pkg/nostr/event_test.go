package nostr

import (
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSerialize(t *testing.T) {
	t.Parallel()

	e := Event{
		PubKey:    "ab",
		CreatedAt: 1,
		Kind:      1,
		Content:   "<a>&\"\n",
	}
	b, err := e.Serialize()
	require.NoError(t, err)
	require.Equal(t, `[0,"ab",1,1,[],"<a>&\"\n"]`, string(b))

	e.Tags = []Tag{{"n", "relayscan"}, {"g", "u4pruyd"}}
	b, err = e.Serialize()
	require.NoError(t, err)
	require.Equal(t, `[0,"ab",1,1,[["n","relayscan"],["g","u4pruyd"]],"<a>&\"\n"]`, string(b))
}

func TestParseKey(t *testing.T) {
	t.Parallel()

	key, err := ParseKey("0000000000000000000000000000000000000000000000000000000000000001")
	require.NoError(t, err)
	require.Equal(t, "79be667ef9dcbbac55a06295ce870b07029bfcdb2dce28d959f2815b16f81798", key.PublicKeyHex())

	_, err = ParseKey("zz")
	require.ErrorContains(t, err, "could not decode private key")
	_, err = ParseKey("0001")
	require.EqualError(t, err, "private key must be 32 bytes but is 2")
}

func TestSignVerify(t *testing.T) {
	t.Parallel()

	key, err := GenerateKey()
	require.NoError(t, err)

	e := Event{
		CreatedAt: 1700000000,
		Kind:      20000,
		Tags:      []Tag{{"n", "relayscan"}},
		Content:   "hello",
	}
	err = e.Sign(key)
	require.NoError(t, err)
	require.Equal(t, key.PublicKeyHex(), e.PubKey)
	require.Len(t, e.ID, 64)
	require.Len(t, e.Sig, 128)
	require.NoError(t, e.Verify())

	tampered := e
	tampered.Content = "goodbye"
	require.ErrorContains(t, tampered.Verify(), "does not match content")

	other, err := GenerateKey()
	require.NoError(t, err)
	forged := e
	forged.PubKey = other.PublicKeyHex()
	hash, err := forged.Hash()
	require.NoError(t, err)
	forged.ID = hex.EncodeToString(hash[:])
	require.ErrorIs(t, forged.Verify(), ErrInvalidSignature)
}
