package mailbox

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIdentity_DeterministicFromSeed(t *testing.T) {
	a := NewIdentity("toolhouseai-seed")
	b := NewIdentity("toolhouseai-seed")
	c := NewIdentity("other-seed")

	assert.Equal(t, a.Address(), b.Address())
	assert.NotEqual(t, a.Address(), c.Address())
	assert.True(t, strings.HasPrefix(a.Address(), AddressPrefix))
	assert.Len(t, a.Address(), len(AddressPrefix)+64)
	assert.True(t, ValidAddress(a.Address()))
}

func TestPublicKey_Invalid(t *testing.T) {
	for _, addr := range []string{"", "agent1", "agent1zz", "fetch1abcdef", "agent1" + strings.Repeat("ab", 16)} {
		_, err := PublicKey(addr)
		assert.ErrorIs(t, err, ErrInvalidAddress, addr)
	}
}

func TestEnvelope_SignAndVerify(t *testing.T) {
	sender := NewIdentity("sender")
	target := NewIdentity("target")

	env, err := NewEnvelope(sender, target.Address(), "s-1", QueryRequest{Query: "print 1"}, time.Minute)
	require.NoError(t, err)
	require.NoError(t, env.Verify(time.Now()))
	assert.Equal(t, SchemaDigest[QueryRequest](), env.SchemaDigest)

	var got QueryRequest
	require.NoError(t, env.Decode(&got))
	assert.Equal(t, "print 1", got.Query)
}

func TestEnvelope_TamperingBreaksSignature(t *testing.T) {
	sender := NewIdentity("sender")
	target := NewIdentity("target").Address()

	tests := map[string]func(e *Envelope){
		"payload": func(e *Envelope) { e.Payload = []byte(`{"query":"rm -rf /"}`) },
		"target":  func(e *Envelope) { e.Target = NewIdentity("x").Address() },
		"session": func(e *Envelope) { e.Session = "other" },
		"expires": func(e *Envelope) { e.Expires += 3600 },
		"sender":  func(e *Envelope) { e.Sender = NewIdentity("mallory").Address() },
		"sig":     func(e *Envelope) { e.Signature = "zz" },
	}
	for name, mutate := range tests {
		t.Run(name, func(t *testing.T) {
			env, err := NewEnvelope(sender, target, "s", QueryRequest{Query: "q"}, time.Minute)
			require.NoError(t, err)
			mutate(env)
			assert.ErrorIs(t, env.Verify(time.Now()), ErrInvalidSignature)
		})
	}
}

func TestEnvelope_Expired(t *testing.T) {
	sender := NewIdentity("sender")
	env, err := NewEnvelope(sender, NewIdentity("t").Address(), "s", QueryRequest{Query: "q"}, time.Minute)
	require.NoError(t, err)
	assert.ErrorIs(t, env.Verify(time.Now().Add(2*time.Minute)), ErrExpired)

	forever, err := NewEnvelope(sender, NewIdentity("t").Address(), "s", QueryRequest{Query: "q"}, 0)
	require.NoError(t, err)
	assert.Zero(t, forever.Expires)
	assert.NoError(t, forever.Verify(time.Now().Add(24*time.Hour)))
}

func TestSchemaDigest(t *testing.T) {
	req := SchemaDigest[QueryRequest]()
	assert.True(t, strings.HasPrefix(req, "model:"))
	assert.Equal(t, req, SchemaDigest[QueryRequest]())
	assert.NotEqual(t, req, SchemaDigest[QueryResponse]())
	assert.Equal(t, "QueryRequest", ModelName[QueryRequest]())
	assert.Equal(t, "QueryRequest", ModelName[*QueryRequest]())
}

func TestProtocol_Manifest(t *testing.T) {
	p := NewQueryProtocol(nil)
	m := p.Manifest()

	assert.Equal(t, "ToolhouseAI-Protocol", m.Name)
	assert.Equal(t, "0.1.0", m.Version)
	assert.True(t, strings.HasPrefix(m.Digest, "proto:"))
	assert.Equal(t, p.Digest(), m.Digest)
	require.Len(t, m.Models, 1)
	assert.Equal(t, "QueryRequest", m.Models[0].Name)
	assert.Equal(t, SchemaDigest[QueryRequest](), m.Models[0].Digest)

	other := NewProtocol("ToolhouseAI-Protocol", "0.2.0")
	assert.NotEqual(t, p.Digest(), other.Digest())
}
