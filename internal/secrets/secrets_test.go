package secrets

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testKey = "000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f"

func TestSealOpenRoundTrip(t *testing.T) {
	box, err := NewBox(testKey)
	require.NoError(t, err)

	sealed, err := box.Seal("api-secret-value")
	require.NoError(t, err)
	assert.NotEqual(t, "api-secret-value", sealed)
	assert.False(t, strings.Contains(sealed, "secret"))

	opened, err := box.Open(sealed)
	require.NoError(t, err)
	assert.Equal(t, "api-secret-value", opened)
}

func TestEmptyPlaintext(t *testing.T) {
	box, err := NewBox(testKey)
	require.NoError(t, err)

	sealed, err := box.Seal("")
	require.NoError(t, err)
	assert.Equal(t, "", sealed)

	opened, err := box.Open("")
	require.NoError(t, err)
	assert.Equal(t, "", opened)
}

func TestNonDeterministicNonce(t *testing.T) {
	box, err := NewBox(testKey)
	require.NoError(t, err)

	a, err := box.Seal("same")
	require.NoError(t, err)
	b, err := box.Seal("same")
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}

func TestBadKeys(t *testing.T) {
	_, err := NewBox("not-hex")
	assert.Error(t, err)

	_, err = NewBox("abcd") // too short
	assert.Error(t, err)
}

func TestOpenRejectsTampering(t *testing.T) {
	box, err := NewBox(testKey)
	require.NoError(t, err)

	sealed, err := box.Seal("value")
	require.NoError(t, err)

	_, err = box.Open("AAAA" + sealed[4:])
	assert.Error(t, err)

	_, err = box.Open("!!not base64!!")
	assert.Error(t, err)
}
