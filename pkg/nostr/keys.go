package nostr

import (
	"encoding/hex"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"
)

// Keypair is a secp256k1 key used to sign events.
type Keypair struct {
	priv *secp256k1.PrivateKey
}

// GenerateKey creates a new random keypair.
func GenerateKey() (*Keypair, error) {
	priv, err := secp256k1.GeneratePrivateKey()
	if err != nil {
		return nil, err
	}
	return &Keypair{priv: priv}, nil
}

// ParseKey decodes a hex encoded 32 byte private key.
func ParseKey(s string) (*Keypair, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("could not decode private key: %w", err)
	}
	if len(b) != secp256k1.PrivKeyBytesLen {
		return nil, fmt.Errorf("private key must be %d bytes but is %d", secp256k1.PrivKeyBytesLen, len(b))
	}
	return &Keypair{priv: secp256k1.PrivKeyFromBytes(b)}, nil
}

// PublicKeyHex returns the x-only public key as used in events.
func (k *Keypair) PublicKeyHex() string {
	return hex.EncodeToString(schnorr.SerializePubKey(k.priv.PubKey()))
}
