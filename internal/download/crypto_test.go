package download_test

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/snehjoshi/attachq/internal/download"
)

func TestCBCHMAC_RoundTrip(t *testing.T) {
	for _, n := range []int{0, 1, 15, 16, 17, 1000} {
		plain := bytes.Repeat([]byte{'p'}, n)
		ct := seal(t, plain)

		got, iv, err := download.CBCHMAC{}.Decrypt(ct, testKey())
		require.NoError(t, err, "len %d", n)
		assert.Equal(t, plain, got, "len %d", n)
		assert.Len(t, iv, 16)
	}
}

func TestCBCHMAC_TamperedCiphertext(t *testing.T) {
	ct := seal(t, []byte("secret"))
	ct[20] ^= 0xff

	_, _, err := download.CBCHMAC{}.Decrypt(ct, testKey())
	assert.ErrorIs(t, err, download.ErrMACMismatch)
}

func TestCBCHMAC_WrongKeyLength(t *testing.T) {
	_, _, err := download.CBCHMAC{}.Decrypt(seal(t, []byte("x")), make([]byte, 32))
	assert.ErrorIs(t, err, download.ErrBadKeys)

	_, err = download.Encrypt([]byte("x"), make([]byte, 10), make([]byte, 16))
	assert.ErrorIs(t, err, download.ErrBadKeys)
}

func TestCBCHMAC_Truncated(t *testing.T) {
	_, _, err := download.CBCHMAC{}.Decrypt(make([]byte, 20), testKey())
	assert.ErrorIs(t, err, download.ErrMalformedCiphertext)
}
