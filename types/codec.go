package types

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	encOpts := cbor.CanonicalEncOptions()
	// Keep full timestamp precision so sign bytes survive a round trip.
	encOpts.Time = cbor.TimeRFC3339Nano
	em, err := encOpts.EncMode()
	if err != nil {
		panic(fmt.Sprintf("types: cbor enc mode: %v", err))
	}
	dm, err := cbor.DecOptions{
		DupMapKey:        cbor.DupMapKeyEnforcedAPF,
		IndefLength:      cbor.IndefLengthForbidden,
		MaxArrayElements: 1 << 20,
		MaxMapPairs:      1 << 20,
	}.DecMode()
	if err != nil {
		panic(fmt.Sprintf("types: cbor dec mode: %v", err))
	}
	encMode, decMode = em, dm
}

// Marshal encodes v as canonical CBOR. Equal values always produce equal
// bytes, which is what hashing and signing rely on.
func Marshal(v interface{}) ([]byte, error) {
	return encMode.Marshal(v)
}

// Unmarshal decodes canonical CBOR into v.
func Unmarshal(data []byte, v interface{}) error {
	return decMode.Unmarshal(data, v)
}

// HashValue returns sha256(Marshal(v)).
func HashValue(v interface{}) (Hash, []byte, error) {
	data, err := Marshal(v)
	if err != nil {
		return nil, nil, err
	}
	return HashBytes(data), data, nil
}
