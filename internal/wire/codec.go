package wire

import (
	"fmt"

	"google.golang.org/grpc/encoding"

	"github.com/devrev/scaledb/internal/util"
)

// CodecName is the gRPC content subtype served by Codec. Clients select it
// with grpc.CallContentSubtype(CodecName).
const CodecName = "scaledb"

func init() {
	encoding.RegisterCodec(Codec{})
}

// Codec marshals Message values and seals each frame with a CRC32-C trailer.
type Codec struct{}

func (Codec) Name() string { return CodecName }

func (Codec) Marshal(v any) ([]byte, error) {
	msg, ok := v.(Message)
	if !ok {
		return nil, fmt.Errorf("wire: cannot marshal %T", v)
	}
	payload, err := msg.MarshalWire()
	if err != nil {
		return nil, err
	}
	return util.SealFrame(payload), nil
}

func (Codec) Unmarshal(data []byte, v any) error {
	msg, ok := v.(Message)
	if !ok {
		return fmt.Errorf("wire: cannot unmarshal into %T", v)
	}
	payload, err := util.OpenFrame(data)
	if err != nil {
		return err
	}
	return msg.UnmarshalWire(payload)
}
