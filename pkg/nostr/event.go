package nostr

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/minio/sha256-simd"
)

var ErrInvalidSignature = errors.New("invalid event signature")

type Tag []string

// Event is a signed Nostr event as defined by NIP-01.
type Event struct {
	ID        string `json:"id"`
	PubKey    string `json:"pubkey"`
	CreatedAt int64  `json:"created_at"`
	Kind      int    `json:"kind"`
	Tags      []Tag  `json:"tags"`
	Content   string `json:"content"`
	Sig       string `json:"sig"`
}

// Serialize returns the canonical form used to compute the event id.
func (e *Event) Serialize() ([]byte, error) {
	tags := e.Tags
	if tags == nil {
		tags = []Tag{}
	}
	buf := bytes.NewBuffer(nil)
	enc := json.NewEncoder(buf)
	enc.SetEscapeHTML(false)
	err := enc.Encode([]any{0, e.PubKey, e.CreatedAt, e.Kind, tags, e.Content})
	if err != nil {
		return nil, err
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n")), nil
}

// Hash returns the sha256 of the canonical serialization.
func (e *Event) Hash() ([32]byte, error) {
	b, err := e.Serialize()
	if err != nil {
		return [32]byte{}, err
	}
	return sha256.Sum256(b), nil
}

// Sign sets the public key, id and signature of the event.
func (e *Event) Sign(key *Keypair) error {
	e.PubKey = key.PublicKeyHex()
	if e.Tags == nil {
		e.Tags = []Tag{}
	}
	hash, err := e.Hash()
	if err != nil {
		return err
	}
	sig, err := schnorr.Sign(key.priv, hash[:])
	if err != nil {
		return err
	}
	e.ID = hex.EncodeToString(hash[:])
	e.Sig = hex.EncodeToString(sig.Serialize())
	return nil
}

// Verify checks that the id matches the content and that the signature is valid.
func (e *Event) Verify() error {
	hash, err := e.Hash()
	if err != nil {
		return err
	}
	if e.ID != hex.EncodeToString(hash[:]) {
		return fmt.Errorf("event id %s does not match content", e.ID)
	}
	pubBytes, err := hex.DecodeString(e.PubKey)
	if err != nil {
		return fmt.Errorf("could not decode public key: %w", err)
	}
	pub, err := schnorr.ParsePubKey(pubBytes)
	if err != nil {
		return err
	}
	sigBytes, err := hex.DecodeString(e.Sig)
	if err != nil {
		return fmt.Errorf("could not decode signature: %w", err)
	}
	sig, err := schnorr.ParseSignature(sigBytes)
	if err != nil {
		return err
	}
	if !sig.Verify(hash[:], pub) {
		return ErrInvalidSignature
	}
	return nil
}
