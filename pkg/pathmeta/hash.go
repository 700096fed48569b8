package pathmeta

import (
	"crypto/md5"
	"encoding/json"
	"fmt"
	"hash"
	"os"

	"github.com/zeebo/blake3"

	"github.com/paulschiretz/pgl-replica/pkg/pool"
	"github.com/paulschiretz/pgl-replica/pkg/util"
)

// HashAlgorithm selects the digest used for content comparison.
type HashAlgorithm string

const (
	Blake3 HashAlgorithm = "blake3"
	MD5    HashAlgorithm = "md5"
)

var algorithmToString = map[HashAlgorithm]string{
	Blake3: "blake3",
	MD5:    "md5",
}

var stringToAlgorithm map[string]HashAlgorithm

func init() {
	stringToAlgorithm = util.InvertMap(algorithmToString)
}

func (a HashAlgorithm) String() string {
	if str, ok := algorithmToString[a]; ok {
		return str
	}
	return fmt.Sprintf("unknown_hash_algorithm(%s)", string(a))
}

// ParseHashAlgorithm converts a configuration string into a HashAlgorithm.
func ParseHashAlgorithm(s string) (HashAlgorithm, error) {
	if algo, ok := stringToAlgorithm[s]; ok {
		return algo, nil
	}
	return "", fmt.Errorf("invalid hash algorithm: %q. Must be 'blake3' or 'md5'", s)
}

// MarshalJSON implements the json.Marshaler interface for HashAlgorithm.
func (a HashAlgorithm) MarshalJSON() ([]byte, error) {
	return json.Marshal(a.String())
}

// UnmarshalJSON implements the json.Unmarshaler interface for HashAlgorithm.
func (a *HashAlgorithm) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("hash algorithm should be a string, got %s", data)
	}
	algo, err := ParseHashAlgorithm(s)
	if err != nil {
		return err
	}
	*a = algo
	return nil
}

// Hasher computes file digests in fixed-size chunks using pooled buffers.
type Hasher struct {
	algo    HashAlgorithm
	newHash func() hash.Hash
	buffers *pool.FixedBufferPool
}

// NewHasher creates a Hasher for algo. bufferSize is the read chunk size in
// bytes; non-positive values select the pool default.
func NewHasher(algo HashAlgorithm, bufferSize int64) (*Hasher, error) {
	h := &Hasher{algo: algo, buffers: pool.NewFixedBuffer(bufferSize)}
	switch algo {
	case Blake3:
		h.newHash = func() hash.Hash { return blake3.New() }
	case MD5:
		h.newHash = md5.New
	default:
		return nil, fmt.Errorf("unsupported hash algorithm %q", string(algo))
	}
	return h, nil
}

// Algorithm returns the digest the hasher computes.
func (h *Hasher) Algorithm() HashAlgorithm { return h.algo }

// Sum returns the digest of the file at path and the number of bytes read.
// os.Open follows symlinks, so callers must only pass regular files.
func (h *Hasher) Sum(path string) ([]byte, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to open %s for hashing: %w", path, err)
	}
	defer f.Close()

	digest := h.newHash()
	n, err := h.buffers.Copy(digest, f)
	if err != nil {
		return nil, n, fmt.Errorf("failed to hash %s: %w", path, err)
	}
	return digest.Sum(nil), n, nil
}
