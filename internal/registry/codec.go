package registry

import (
	"github.com/fxamacker/cbor/v2"
	"google.golang.org/grpc/encoding"
)

// codecName is the gRPC content-subtype of registry calls
// (application/grpc+cbor).
const codecName = "cbor"

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("registry: CBOR encoder initialization failed: " + err.Error())
	}
	decMode, err = cbor.DecOptions{
		DupMapKey:        cbor.DupMapKeyEnforcedAPF,
		MaxArrayElements: 4096,
	}.DecMode()
	if err != nil {
		panic("registry: CBOR decoder initialization failed: " + err.Error())
	}
	encoding.RegisterCodec(cborCodec{})
}

type cborCodec struct{}

func (cborCodec) Marshal(v any) ([]byte, error) {
	return encMode.Marshal(v)
}

func (cborCodec) Unmarshal(data []byte, v any) error {
	return decMode.Unmarshal(data, v)
}

func (cborCodec) Name() string {
	return codecName
}
