package mesh

import (
	"github.com/fxamacker/cbor/v2"
)

// Wire encoding is canonical CBOR so identical messages always produce
// identical bytes. Decoding is bounded because peer input is untrusted.
var encOptions = cbor.EncOptions{
	Sort:        cbor.SortCanonical,
	Time:        cbor.TimeUnix,
	TimeTag:     cbor.EncTagNone,
	IndefLength: cbor.IndefLengthForbidden,
}

var decOptions = cbor.DecOptions{
	MaxArrayElements: 16384,
	MaxMapPairs:      16384,
	MaxNestedLevels:  32,
	IndefLength:      cbor.IndefLengthForbidden,
	DupMapKey:        cbor.DupMapKeyEnforcedAPF,
}

var (
	em, _ = encOptions.EncMode()
	dm, _ = decOptions.DecMode()
)

// Encode serializes a wire message
func Encode(v interface{}) ([]byte, error) {
	return em.Marshal(v)
}

// Decode deserializes a wire message
func Decode(data []byte, v interface{}) error {
	return dm.Unmarshal(data, v)
}
