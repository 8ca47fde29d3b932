// Package bloomfilter builds the opaque BIP37 bloom filter bytes carried by
// the session's BloomFilterUpdate request. The session core never looks
// inside a filter; it only ever forwards the bytes to FilterLoad. Building
// one is a client-side convenience layered on top, not a core responsibility.
package bloomfilter

import (
	"math"

	"github.com/btcsuite/btcd/wire"
	"github.com/spaolacci/murmur3"

	"github.com/btcspv/spvnode/errors"
)

const (
	// maxFilterBytes is the BIP37 cap on filter size.
	maxFilterBytes = 36000
	// maxHashFuncs is the BIP37 cap on the number of hash rounds.
	maxHashFuncs = 50

	ln2Squared = math.Ln2 * math.Ln2
)

// Filter is a mutable BIP37 bloom filter under construction.
type Filter struct {
	bits      []byte
	hashFuncs uint32
	tweak     uint32
	update    wire.BloomUpdateType
}

// New allocates a filter sized for elements entries at the requested false
// positive rate, following the standard BIP37 sizing formulas. tweak should
// be drawn from a random source by the caller; a fixed tweak defeats the
// purpose of randomizing which bits a given element sets across peers.
func New(elements int, falsePositiveRate float64, tweak uint32, update wire.BloomUpdateType) *Filter {
	if elements <= 0 {
		elements = 1
	}

	sizeBits := -1.0 / ln2Squared * float64(elements) * math.Log(falsePositiveRate)
	sizeBytes := uint32(sizeBits) / 8
	if sizeBytes > maxFilterBytes {
		sizeBytes = maxFilterBytes
	}
	if sizeBytes < 1 {
		sizeBytes = 1
	}

	hashFuncs := uint32(float64(sizeBytes*8) / float64(elements) * math.Ln2)
	if hashFuncs > maxHashFuncs {
		hashFuncs = maxHashFuncs
	}
	if hashFuncs < 1 {
		hashFuncs = 1
	}

	return &Filter{
		bits:      make([]byte, sizeBytes),
		hashFuncs: hashFuncs,
		tweak:     tweak,
		update:    update,
	}
}

// hash computes the BIP37 seeded murmur3 hash of data for round i, reduced
// into the filter's bit range.
func (f *Filter) hash(i uint32, data []byte) uint32 {
	seed := i*0xfba4c795 + f.tweak
	sum := murmur3.Sum32WithSeed(data, seed)
	return sum % (uint32(len(f.bits)) * 8)
}

// Add inserts data into the filter, setting one bit per hash round.
func (f *Filter) Add(data []byte) {
	for i := uint32(0); i < f.hashFuncs; i++ {
		bit := f.hash(i, data)
		f.bits[bit/8] |= 1 << (bit % 8)
	}
}

// Matches reports whether data's bits are all set, i.e. whether data could
// be a member (false positives are expected by design).
func (f *Filter) Matches(data []byte) bool {
	for i := uint32(0); i < f.hashFuncs; i++ {
		bit := f.hash(i, data)
		if f.bits[bit/8]&(1<<(bit%8)) == 0 {
			return false
		}
	}
	return true
}

// IsEmpty reports whether nothing has been added to the filter, i.e. every
// bit is still zero. The session does not call this: its own bloom-set check
// only tests that the installed byte slice is non-empty.
func (f *Filter) IsEmpty() bool {
	for _, b := range f.bits {
		if b != 0 {
			return false
		}
	}
	return true
}

// Load builds the wire message a peer manager sends on handshake or on a
// BloomFilterUpdate request.
func (f *Filter) Load() *wire.MsgFilterLoad {
	return &wire.MsgFilterLoad{
		Filter:    append([]byte{}, f.bits...),
		HashFuncs: f.hashFuncs,
		Tweak:     f.tweak,
		Flags:     f.update,
	}
}

// Bytes returns the raw filter bit array, the opaque payload the session
// core stores in its bloom field.
func (f *Filter) Bytes() []byte {
	return f.bits
}

// Decode reconstructs a Filter from previously-serialized bytes, e.g. when
// restoring a session's bloom field from the wallet-facing request surface.
func Decode(bits []byte, hashFuncs, tweak uint32, update wire.BloomUpdateType) (*Filter, error) {
	if len(bits) == 0 {
		return nil, errors.E(errors.Invalid, "empty filter bytes")
	}
	if hashFuncs == 0 || hashFuncs > maxHashFuncs {
		return nil, errors.E(errors.Invalid, "hash function count out of range")
	}
	return &Filter{
		bits:      append([]byte{}, bits...),
		hashFuncs: hashFuncs,
		tweak:     tweak,
		update:    update,
	}, nil
}
