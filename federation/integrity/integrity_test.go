package integrity

import (
	"crypto/sha256"
	"crypto/sha512"
	"encoding/base64"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/tomyedwab/fedhost/federation"
)

var bundles = [][]byte{
	nil,
	[]byte(""),
	[]byte("package main\n"),
	[]byte("func main() { println(\"checkout\") }"),
	{0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00},
}

func TestComputeDigestFormat(t *testing.T) {
	data := []byte("remote entry")
	sum := sha256.Sum256(data)
	want := "sha256-" + base64.StdEncoding.EncodeToString(sum[:])

	require.Equal(t, want, ComputeDigest(data))
	require.Equal(t, ComputeDigest(data), ComputeDigest(data))
}

func TestComputeDigestWith(t *testing.T) {
	data := []byte("remote entry")
	sum := sha512.Sum384(data)

	got, err := ComputeDigestWith("SHA384", data)
	require.NoError(t, err)
	require.Equal(t, "sha384-"+base64.StdEncoding.EncodeToString(sum[:]), got)

	_, err = ComputeDigestWith("md5", data)
	require.Error(t, err)
}

func TestVerifyProperties(t *testing.T) {
	for _, data := range bundles {
		digest := ComputeDigest(data)
		require.True(t, Verify(data, digest))
		require.False(t, Verify(data, digest+"x"))
		require.True(t, Verify(data, ""))
	}
}

func TestVerifyForms(t *testing.T) {
	data := []byte("package main\n")
	digest := ComputeDigest(data)
	bare := strings.TrimPrefix(digest, "sha256-")
	sha384, err := ComputeDigestWith("sha384", data)
	require.NoError(t, err)

	tests := []struct {
		name     string
		expected string
		want     bool
	}{
		{"whitespace only", "   ", true},
		{"exact", digest, true},
		{"without prefix", bare, true},
		{"upper case", strings.ToUpper(digest), true},
		{"rotation list second", "sha256-stale, " + digest, true},
		{"rotation list with blanks", " , " + bare + " ,", true},
		{"sha384 tag", sha384, true},
		{"wrong algorithm tag", "sha384-" + bare, false},
		{"all stale", "sha256-stale,sha256-older", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.want, Verify(data, tt.expected))
		})
	}
}

func TestCheck(t *testing.T) {
	data := []byte("package main\n")

	require.NoError(t, Check("checkout", "http://localhost:3001/remoteEntry.go", data, ComputeDigest(data)))

	err := Check("checkout", "http://localhost:3001/remoteEntry.go", data, "sha256-stale")
	require.True(t, federation.IsIntegrityMismatch(err))

	var mismatch *MismatchError
	require.True(t, errors.As(err, &mismatch))
	require.Equal(t, "sha256-stale", mismatch.Record.Expected)
	require.Equal(t, ComputeDigest(data), mismatch.Record.Actual)
}
