package mailbox

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
)

// Manifest describes a protocol to other agents.
type Manifest struct {
	Name    string          `json:"name"`
	Version string          `json:"version"`
	Digest  string          `json:"digest"`
	Models  []ManifestModel `json:"models"`
}

type ManifestModel struct {
	Name   string `json:"name"`
	Digest string `json:"digest"`
}

type handlerFunc func(ctx context.Context, mc *Context, env *Envelope) error

type handlerEntry struct {
	model string
	fn    handlerFunc
}

// Protocol groups the message handlers an agent exposes under a name and
// version.
type Protocol struct {
	Name     string
	Version  string
	handlers map[string]handlerEntry // schema digest -> handler
}

func NewProtocol(name, version string) *Protocol {
	return &Protocol{
		Name:     name,
		Version:  version,
		handlers: make(map[string]handlerEntry),
	}
}

// Handle registers fn for messages of type T on p.
func Handle[T any](p *Protocol, fn func(ctx context.Context, mc *Context, msg T) error) {
	p.handlers[SchemaDigest[T]()] = handlerEntry{
		model: ModelName[T](),
		fn: func(ctx context.Context, mc *Context, env *Envelope) error {
			var msg T
			if err := env.Decode(&msg); err != nil {
				return err
			}
			return fn(ctx, mc, msg)
		},
	}
}

func (p *Protocol) handler(schemaDigest string) (handlerFunc, bool) {
	h, ok := p.handlers[schemaDigest]
	return h.fn, ok
}

func (p *Protocol) models() []ManifestModel {
	models := make([]ManifestModel, 0, len(p.handlers))
	for digest, h := range p.handlers {
		models = append(models, ManifestModel{Name: h.model, Digest: digest})
	}
	sort.Slice(models, func(i, j int) bool { return models[i].Digest < models[j].Digest })
	return models
}

// Digest is "proto:" + sha256 of the manifest without its own digest.
func (p *Protocol) Digest() string {
	data, _ := json.Marshal(Manifest{Name: p.Name, Version: p.Version, Models: p.models()})
	sum := sha256.Sum256(data)
	return "proto:" + hex.EncodeToString(sum[:])
}

func (p *Protocol) Manifest() Manifest {
	return Manifest{
		Name:    p.Name,
		Version: p.Version,
		Digest:  p.Digest(),
		Models:  p.models(),
	}
}
