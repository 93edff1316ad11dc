// Package wire implements component H: the compact binary encoding used to
// carry RPC requests and responses between the run-state server and task
// workers.
//
// Primitive types, slices, maps and structs go through msgpack's own
// encoding; a struct decoded into an `any` target comes back as a map, not
// as its Go type. A value the caller wraps in Opaque escapes through
// msgpack's extension mechanism under type code 0, carrying a gob-encoded
// payload. Nothing is wrapped automatically: the ipc package wraps a remote
// error as its message string, and table/blob descriptors are not wrapped.
// gob is this codec's language-neutral object serializer: the original
// implementation uses Python's pickle for the same escape hatch; gob is
// its direct Go analogue (self-describing, no schema compilation step,
// works over any registered concrete type).
package wire

import (
	"bytes"
	"encoding/gob"

	"github.com/vmihailenco/msgpack/v5"
)

// extOpaque is the extension type code reserved for the opaque escape.
// Must stay 0 to match the wire contract in SPEC_FULL.md §4.H.
const extOpaque = 0

func init() {
	msgpack.RegisterExt(extOpaque, (*Opaque)(nil))
}

// Opaque wraps a value that msgpack cannot encode natively. Register the
// value's concrete type with gob.Register before the first Marshal call
// that carries it (the same requirement pickle places on picklable
// classes).
type Opaque struct {
	Value any
}

func (o Opaque) MarshalBinary() ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(&o.Value); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (o *Opaque) UnmarshalBinary(data []byte) error {
	return gob.NewDecoder(bytes.NewReader(data)).Decode(&o.Value)
}

// Marshal encodes v using the wire format.
func Marshal(v any) ([]byte, error) {
	return msgpack.Marshal(v)
}

// Unmarshal decodes data produced by Marshal into v.
func Unmarshal(data []byte, v any) error {
	return msgpack.Unmarshal(data, v)
}

// Register makes a concrete type round-trippable inside an Opaque value.
// Callers must register every concrete type they intend to pass through
// Opaque before marshaling or unmarshaling it — mirroring pickle's
// implicit reliance on the class being importable on both ends.
func Register(value any) {
	gob.Register(value)
}
