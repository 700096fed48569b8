package pathmeta

import (
	"crypto/md5"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zeebo/blake3"
)

func TestParseHashAlgorithm(t *testing.T) {
	algo, err := ParseHashAlgorithm("md5")
	require.NoError(t, err)
	assert.Equal(t, MD5, algo)

	_, err = ParseHashAlgorithm("sha1")
	assert.Error(t, err)

	var decoded struct {
		Hash HashAlgorithm `json:"hash"`
	}
	require.NoError(t, json.Unmarshal([]byte(`{"hash":"blake3"}`), &decoded))
	assert.Equal(t, Blake3, decoded.Hash)
	assert.Error(t, json.Unmarshal([]byte(`{"hash":"crc"}`), &decoded))
}

func TestHasherSum(t *testing.T) {
	dir := t.TempDir()
	// Larger than the chunk size so the stream is read in several pieces.
	content := strings.Repeat("0123456789abcdef", 1000)
	file := filepath.Join(dir, "data.bin")
	writeFile(t, file, content, time.Now())

	testCases := []struct {
		algo HashAlgorithm
		want func() []byte
	}{
		{Blake3, func() []byte { s := blake3.Sum256([]byte(content)); return s[:] }},
		{MD5, func() []byte { s := md5.Sum([]byte(content)); return s[:] }},
	}
	for _, tc := range testCases {
		t.Run(tc.algo.String(), func(t *testing.T) {
			h, err := NewHasher(tc.algo, 4096)
			require.NoError(t, err)
			assert.Equal(t, tc.algo, h.Algorithm())

			sum, n, err := h.Sum(file)
			require.NoError(t, err)
			assert.EqualValues(t, len(content), n)
			assert.Equal(t, tc.want(), sum)

			e, err := Capture(file)
			require.NoError(t, err)
			viaEntry, err := e.ContentHash(h)
			require.NoError(t, err)
			assert.Equal(t, sum, viaEntry)
		})
	}
}

func TestHasherDetectsChange(t *testing.T) {
	dir := t.TempDir()
	a := filepath.Join(dir, "a")
	b := filepath.Join(dir, "b")
	writeFile(t, a, "same-size-1", time.Now())
	writeFile(t, b, "same-size-2", time.Now())

	h, err := NewHasher(Blake3, 0)
	require.NoError(t, err)
	sumA, _, err := h.Sum(a)
	require.NoError(t, err)
	sumB, _, err := h.Sum(b)
	require.NoError(t, err)
	assert.NotEqual(t, sumA, sumB)
}

func TestNewHasherRejectsUnknown(t *testing.T) {
	_, err := NewHasher(HashAlgorithm("crc32"), 0)
	assert.Error(t, err)
}

func TestHasherMissingFile(t *testing.T) {
	h, err := NewHasher(MD5, 0)
	require.NoError(t, err)
	_, _, err = h.Sum(filepath.Join(t.TempDir(), "nope"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}
