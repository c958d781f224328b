package synapse

import (
	"encoding/json"

	"github.com/fxamacker/cbor/v2"
	"github.com/gorilla/websocket"
)

// Subprotocol names negotiated during the websocket handshake.
const (
	SubprotocolJSON = "json"
	SubprotocolCBOR = "cbor"
)

// Subprotocols lists the supported subprotocols in server preference order.
var Subprotocols = []string{SubprotocolJSON, SubprotocolCBOR}

// Codec encodes frames for one negotiated subprotocol.
type Codec interface {
	Name() string
	FrameType() int
	Marshal(value any) ([]byte, error)
	Unmarshal(data []byte, value any) error
}

type jsonCodec struct{}

func (jsonCodec) Name() string                           { return SubprotocolJSON }
func (jsonCodec) FrameType() int                         { return websocket.TextMessage }
func (jsonCodec) Marshal(value any) ([]byte, error)      { return json.Marshal(value) }
func (jsonCodec) Unmarshal(data []byte, value any) error { return json.Unmarshal(data, value) }

type cborCodec struct {
	encoder cbor.EncMode
}

func (cborCodec) Name() string                           { return SubprotocolCBOR }
func (cborCodec) FrameType() int                         { return websocket.BinaryMessage }
func (c cborCodec) Marshal(value any) ([]byte, error)    { return c.encoder.Marshal(value) }
func (cborCodec) Unmarshal(data []byte, value any) error { return cbor.Unmarshal(data, value) }

var cborEncoder = func() cbor.EncMode {
	mode, err := cbor.EncOptions{Time: cbor.TimeRFC3339Nano}.EncMode()
	if err != nil {
		panic(err)
	}
	return mode
}()

// CodecFor returns the codec of a negotiated subprotocol; anything else falls back to JSON.
func CodecFor(subprotocol string) Codec {
	if subprotocol == SubprotocolCBOR {
		return cborCodec{encoder: cborEncoder}
	}
	return jsonCodec{}
}
