package wire

import (
	"bytes"
	"encoding/binary"
	"errors"
)

const version byte = 1

// header: magic(4) | ver(1) | gen(u64 be) | vlen(u32 be)
const headerLen = 4 + 1 + 8 + 4

var (
	ErrCorrupt = errors.New("livecache: corrupt entry")
	magic4     = [...]byte{'L', 'I', 'V', 'E'}
)

func hasMagic(b []byte) bool {
	return len(b) >= 4 && bytes.Equal(b[:4], magic4[:])
}

// Encode frames a payload together with the generation observed before the
// payload was produced: magic(4) | ver(1) | gen(u64 be) | vlen(u32 be) | payload.
func Encode(gen uint64, payload []byte) []byte {
	var buf bytes.Buffer
	buf.Grow(headerLen + len(payload))

	buf.Write(magic4[:])
	buf.WriteByte(version)

	var u8 [8]byte
	var u4 [4]byte

	binary.BigEndian.PutUint64(u8[:], gen)
	buf.Write(u8[:])

	binary.BigEndian.PutUint32(u4[:], uint32(len(payload)))
	buf.Write(u4[:])

	buf.Write(payload)
	return buf.Bytes()
}

// Decode validates the frame and returns the embedded generation and a
// zero-copy subslice of b holding the payload. Any framing anomaly,
// including trailing bytes past the declared payload, yields ErrCorrupt.
func Decode(b []byte) (gen uint64, payload []byte, err error) {
	if len(b) < headerLen || !hasMagic(b) || b[4] != version {
		return 0, nil, ErrCorrupt
	}

	off := 5

	gen = binary.BigEndian.Uint64(b[off : off+8])
	off += 8

	vlen := int(binary.BigEndian.Uint32(b[off : off+4]))
	off += 4
	if vlen < 0 || vlen != len(b)-off {
		return 0, nil, ErrCorrupt
	}

	return gen, b[off : off+vlen], nil
}
