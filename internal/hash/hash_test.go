package hash

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// sha256("hello")
const helloDigest = "2CF24DBA5FB0A30E26E83B2AC5B9E29E1B161E5C1FA7425E73043362938B9824"

func TestHashBytes(t *testing.T) {
	t.Parallel()

	got, err := HashBytes(strings.NewReader("hello"))
	require.NoError(t, err)
	assert.Equal(t, Digest(helloDigest), got)
}

func TestParseDigestCanonicalizesCase(t *testing.T) {
	t.Parallel()

	got, err := ParseDigest(strings.ToLower(helloDigest))
	require.NoError(t, err)
	assert.Equal(t, Digest(helloDigest), got)

	_, err = ParseDigest("abc")
	require.Error(t, err)

	_, err = ParseDigest(strings.Repeat("z", Size))
	require.Error(t, err)
}

func TestDigestEqualIgnoresCase(t *testing.T) {
	t.Parallel()

	assert.True(t, Digest(helloDigest).Equal(Digest(strings.ToLower(helloDigest))))
	assert.False(t, Digest(helloDigest).Equal(Placeholder))
}

func TestHashDescriptorIgnoresFieldOrder(t *testing.T) {
	t.Parallel()

	type ab struct {
		A string `json:"a"`
		B string `json:"b"`
	}
	type ba struct {
		B string `json:"b"`
		A string `json:"a"`
	}

	first, err := HashDescriptor(ab{A: "1", B: "2"})
	require.NoError(t, err)
	second, err := HashDescriptor(ba{B: "2", A: "1"})
	require.NoError(t, err)
	third, err := HashDescriptor(map[string]any{"b": "2", "a": "1"})
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, first, third)
}

func TestHashDescriptorIsSensitiveToValues(t *testing.T) {
	t.Parallel()

	base, err := HashDescriptor(map[string]any{"url": "https://example.test/a", "rev": "v1"})
	require.NoError(t, err)
	again, err := HashDescriptor(map[string]any{"url": "https://example.test/a", "rev": "v1"})
	require.NoError(t, err)
	changed, err := HashDescriptor(map[string]any{"url": "https://example.test/a", "rev": "v2"})
	require.NoError(t, err)

	assert.Equal(t, base, again)
	assert.NotEqual(t, base, changed)
}

func TestVerify(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "blob")
	require.NoError(t, os.WriteFile(path, []byte("hello"), 0o644))

	require.NoError(t, Verify(path, Digest(strings.ToLower(helloDigest))))

	err := Verify(path, Placeholder)
	require.Error(t, err)
	var mismatch *MismatchError
	require.True(t, errors.As(err, &mismatch))
	assert.Equal(t, Placeholder, mismatch.Expected)
	assert.Equal(t, Digest(helloDigest), mismatch.Actual)
	assert.True(t, IsMismatch(err))
}

func TestVerifyMissingFileIsNotMismatch(t *testing.T) {
	t.Parallel()

	err := Verify(filepath.Join(t.TempDir(), "missing"), Placeholder)
	require.Error(t, err)
	assert.False(t, IsMismatch(err))
	assert.True(t, errors.Is(err, os.ErrNotExist))
}
