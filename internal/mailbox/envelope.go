package mailbox

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

const envelopeVersion = 1

var (
	ErrInvalidSignature = errors.New("invalid envelope signature")
	ErrExpired          = errors.New("envelope expired")
)

// Envelope is the signed unit exchanged between agents.
type Envelope struct {
	Version        int    `json:"version"`
	Sender         string `json:"sender"`
	Target         string `json:"target"`
	Session        string `json:"session"`
	SchemaDigest   string `json:"schema_digest"`
	ProtocolDigest string `json:"protocol_digest,omitempty"`
	Payload        []byte `json:"payload"`
	Expires        int64  `json:"expires,omitempty"` // unix seconds, 0 = never
	Nonce          uint64 `json:"nonce"`
	Signature      string `json:"signature,omitempty"`
}

// NewEnvelope encodes msg and signs the result with the sender key.
func NewEnvelope(sender *Identity, target, session string, msg any, ttl time.Duration) (*Envelope, error) {
	payload, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", modelName(msg), err)
	}
	var nonce [8]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return nil, fmt.Errorf("nonce: %w", err)
	}
	env := &Envelope{
		Version:      envelopeVersion,
		Sender:       sender.Address(),
		Target:       target,
		Session:      session,
		SchemaDigest: schemaDigestOf(msg),
		Payload:      payload,
		Nonce:        binary.BigEndian.Uint64(nonce[:]),
	}
	if ttl > 0 {
		env.Expires = time.Now().Add(ttl).Unix()
	}
	env.Sign(sender)
	return env, nil
}

// digest hashes every field except the signature.
func (e *Envelope) digest() []byte {
	h := sha256.New()
	writeField := func(b []byte) {
		var n [8]byte
		binary.BigEndian.PutUint64(n[:], uint64(len(b)))
		h.Write(n[:])
		h.Write(b)
	}
	var num [8]byte
	binary.BigEndian.PutUint64(num[:], uint64(e.Version))
	h.Write(num[:])
	writeField([]byte(e.Sender))
	writeField([]byte(e.Target))
	writeField([]byte(e.Session))
	writeField([]byte(e.SchemaDigest))
	writeField([]byte(e.ProtocolDigest))
	writeField(e.Payload)
	binary.BigEndian.PutUint64(num[:], uint64(e.Expires))
	h.Write(num[:])
	binary.BigEndian.PutUint64(num[:], e.Nonce)
	h.Write(num[:])
	return h.Sum(nil)
}

func (e *Envelope) Sign(id *Identity) {
	e.Signature = hex.EncodeToString(id.Sign(e.digest()))
}

// Verify checks the signature against the sender address and the expiry
// against now.
func (e *Envelope) Verify(now time.Time) error {
	pub, err := PublicKey(e.Sender)
	if err != nil {
		return err
	}
	sig, err := hex.DecodeString(e.Signature)
	if err != nil || !ed25519.Verify(pub, e.digest(), sig) {
		return ErrInvalidSignature
	}
	if e.Expires > 0 && now.Unix() > e.Expires {
		return ErrExpired
	}
	return nil
}

// Decode unmarshals the payload into v.
func (e *Envelope) Decode(v any) error {
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("decode %s: %w", modelName(v), err)
	}
	return nil
}
