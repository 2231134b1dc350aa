package cache

import (
	"encoding/binary"
	"fmt"
	"hash/adler32"
)

// FragHdr is the 8-byte header prefixing every on-disk fragment. It is an
// Adler-32 checksum over the fragment's fingerprint and range_elem triple —
// a weak check by design (spec.md §1 Non-goals excludes cryptographic
// integrity), so stdlib's hash/adler32 is the right and only tool needed
// here. Grounded on xproxy-beta/cache/object_frag_hdr.h.
type FragHdr struct {
	checksum uint32
}

// MakeFragHdr computes the header for a fragment identified by key and
// carrying the given range_elem placement.
func MakeFragHdr(key FSNodeKey, rng RangeElem) FragHdr {
	h := adler32.New()
	h.Write(key[:])

	var scratch [8]byte
	binary.LittleEndian.PutUint64(scratch[:], rng.RngOffset())
	h.Write(scratch[:])
	binary.LittleEndian.PutUint32(scratch[:4], rng.RngSize())
	h.Write(scratch[:4])
	binary.LittleEndian.PutUint64(scratch[:], uint64(rng.DiskOffset()))
	h.Write(scratch[:])

	return FragHdr{checksum: h.Sum32()}
}

func (h FragHdr) Equal(o FragHdr) bool { return h.checksum == o.checksum }

// MarshalBinary writes the header in its on-disk, 8-byte form.
func (h FragHdr) MarshalBinary() ([]byte, error) {
	buf := make([]byte, ObjectFragHdrSize)
	binary.LittleEndian.PutUint32(buf, h.checksum)
	return buf, nil
}

func (h *FragHdr) UnmarshalBinary(buf []byte) error {
	if len(buf) < 4 {
		return errShortFragHdr
	}
	h.checksum = binary.LittleEndian.Uint32(buf)
	return nil
}

var errShortFragHdr = fmt.Errorf("cache: fragment header buffer too short")
