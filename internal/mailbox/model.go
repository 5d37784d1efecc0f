package mailbox

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"reflect"

	"github.com/invopop/jsonschema"
)

// SchemaDigest identifies a message type on the wire:
// "model:" + sha256 of its JSON Schema with the type name as title.
func SchemaDigest[T any]() string {
	var v T
	return schemaDigestOf(v)
}

// ModelName is the Go type name of a message.
func ModelName[T any]() string {
	var v T
	return modelName(v)
}

func modelName(v any) string {
	t := reflect.TypeOf(v)
	if t == nil {
		return ""
	}
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	return t.Name()
}

func schemaDigestOf(v any) string {
	reflector := jsonschema.Reflector{
		AllowAdditionalProperties: true,
		DoNotReference:            true,
	}
	schema := reflector.Reflect(v)

	// Round-trip through a map so the encoding has sorted keys and no
	// package-dependent $id.
	data, _ := json.Marshal(schema)
	var m map[string]any
	_ = json.Unmarshal(data, &m)
	delete(m, "$schema")
	delete(m, "$id")
	m["title"] = modelName(v)
	canonical, _ := json.Marshal(m)

	sum := sha256.Sum256(canonical)
	return "model:" + hex.EncodeToString(sum[:])
}
