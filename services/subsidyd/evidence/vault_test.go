package evidence

import (
	"bytes"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	bolt "go.etcd.io/bbolt"
)

func openVault(t *testing.T, max int64) *Vault {
	t.Helper()
	v, err := Open(filepath.Join(t.TempDir(), "evidence.db"), max)
	require.NoError(t, err)
	t.Cleanup(func() { _ = v.Close() })
	return v
}

func TestPutGetRoundTrip(t *testing.T) {
	v := openVault(t, 0)
	obj, err := v.Put("claim-1", "land.pdf", "application/pdf", strings.NewReader("%PDF-1.4 evidence"))
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(obj.Ref, RefPrefix))
	require.Equal(t, []string{"claim-1"}, obj.Claims)

	got, data, err := v.Get(obj.Ref)
	require.NoError(t, err)
	require.Equal(t, "%PDF-1.4 evidence", string(data))
	require.Equal(t, "land.pdf", got.Name)
	require.Equal(t, int64(len(data)), got.Size)
}

func TestPutSameContentIsDeduplicated(t *testing.T) {
	v := openVault(t, 0)
	first, err := v.Put("claim-1", "a.pdf", "application/pdf", strings.NewReader("same"))
	require.NoError(t, err)
	second, err := v.Put("claim-2", "b.pdf", "application/pdf", strings.NewReader("same"))
	require.NoError(t, err)
	require.Equal(t, first.Ref, second.Ref)
	require.Equal(t, "a.pdf", second.Name)
	require.Equal(t, []string{"claim-1", "claim-2"}, second.Claims)
}

func TestPutRejectsOversizeAndEmpty(t *testing.T) {
	v := openVault(t, 8)
	_, err := v.Put("c", "big", "text/plain", bytes.NewReader(make([]byte, 9)))
	require.ErrorIs(t, err, ErrTooLarge)
	_, err = v.Put("c", "empty", "text/plain", strings.NewReader(""))
	require.ErrorIs(t, err, ErrEmpty)
	_, err = v.Put("c", "fits", "text/plain", bytes.NewReader(make([]byte, 8)))
	require.NoError(t, err)
}

func TestGetDetectsCorruption(t *testing.T) {
	v := openVault(t, 0)
	obj, err := v.Put("c", "x", "text/plain", strings.NewReader("original"))
	require.NoError(t, err)
	key, err := ParseRef(obj.Ref)
	require.NoError(t, err)
	require.NoError(t, v.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketBlobs).Put(key, []byte("tampered"))
	}))
	_, _, err = v.Get(obj.Ref)
	require.ErrorIs(t, err, ErrCorrupt)
}

func TestParseRef(t *testing.T) {
	cases := []string{"", "sha256:abcd", "blake3:zz", "blake3:abcd"}
	for _, ref := range cases {
		if _, err := ParseRef(ref); err == nil {
			t.Fatalf("expected error for %q", ref)
		}
	}
	v := openVault(t, 0)
	_, err := v.Stat(RefPrefix + strings.Repeat("00", 32))
	require.ErrorIs(t, err, ErrNotFound)
}
