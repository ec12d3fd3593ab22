package tunnelproto

import "github.com/fxamacker/cbor/v2"

var (
	encMode    cbor.EncMode
	decMode    cbor.DecMode
	strictMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("tunnelproto: cbor encoder: " + err.Error())
	}
	decMode, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic("tunnelproto: cbor decoder: " + err.Error())
	}
	strictMode, err = cbor.DecOptions{
		ExtraReturnErrors: cbor.ExtraDecErrorUnknownField,
	}.DecMode()
	if err != nil {
		panic("tunnelproto: strict cbor decoder: " + err.Error())
	}
}

// Marshal encodes a payload message.
func Marshal(v any) ([]byte, error) {
	return encMode.Marshal(v)
}

// Unmarshal decodes a payload message, ignoring unknown fields.
func Unmarshal(data []byte, v any) error {
	return decMode.Unmarshal(data, v)
}

// UnmarshalStrict decodes a payload message and fails on fields the target
// type does not declare. Handlers sharing one frame channel use it to tell
// message types apart.
func UnmarshalStrict(data []byte, v any) error {
	return strictMode.Unmarshal(data, v)
}
