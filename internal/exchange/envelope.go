package exchange

import (
	"fmt"
	"time"

	"github.com/fxamacker/cbor/v2"
)

// Envelope is the wire frame every runner publishes: the owning module
// namespace, the timestamp captured when the triggering input was
// dequeued, and the module payload as opaque JSON bytes. CBOR keeps the
// frame compact; the payload stays JSON so it can be relayed to clients
// without re-encoding.
type Envelope struct {
	Module    string    `cbor:"module"`
	Timestamp time.Time `cbor:"timestamp"`
	Payload   []byte    `cbor:"payload"`
}

func EncodeEnvelope(env *Envelope) ([]byte, error) {
	b, err := cbor.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("exchange: encode envelope: %w", err)
	}
	return b, nil
}

func DecodeEnvelope(data []byte) (*Envelope, error) {
	var env Envelope
	if err := cbor.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("exchange: decode envelope: %w", err)
	}
	return &env, nil
}
