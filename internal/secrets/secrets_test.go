package secrets

import (
	"bytes"
	"encoding/base64"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testSealer(t *testing.T) *Sealer {
	t.Helper()
	s, err := New(bytes.Repeat([]byte{7}, 32))
	require.NoError(t, err)
	return s
}

func TestSealOpen(t *testing.T) {
	s := testSealer(t)
	cfg := map[string]string{"bucket": "acme-backups", "secret_access_key": "hunter2"}

	sealed, err := s.Seal("target-1", cfg)
	require.NoError(t, err)
	assert.NotContains(t, sealed, "hunter2")

	got, err := s.Open("target-1", sealed)
	require.NoError(t, err)
	assert.Equal(t, cfg, got)
}

func TestSeal_NonceIsRandom(t *testing.T) {
	s := testSealer(t)
	a, err := s.Seal("t", map[string]string{"k": "v"})
	require.NoError(t, err)
	b, err := s.Seal("t", map[string]string{"k": "v"})
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}

func TestSeal_NilConfig(t *testing.T) {
	s := testSealer(t)
	sealed, err := s.Seal("t", nil)
	require.NoError(t, err)
	got, err := s.Open("t", sealed)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestOpen_Failures(t *testing.T) {
	s := testSealer(t)
	sealed, err := s.Seal("target-1", map[string]string{"password": "pw"})
	require.NoError(t, err)

	raw, _ := base64.StdEncoding.DecodeString(sealed)
	raw[len(raw)-1] ^= 0xff
	tampered := base64.StdEncoding.EncodeToString(raw)

	other, err := New(bytes.Repeat([]byte{9}, 32))
	require.NoError(t, err)

	tests := []struct {
		name   string
		sealer *Sealer
		record string
		value  string
	}{
		{"wrong record", s, "target-2", sealed},
		{"wrong key", other, "target-1", sealed},
		{"tampered", s, "target-1", tampered},
		{"not base64", s, "target-1", "%%%"},
		{"too short", s, "target-1", base64.StdEncoding.EncodeToString([]byte("abc"))},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tt.sealer.Open(tt.record, tt.value)
			assert.ErrorIs(t, err, ErrDecrypt)
		})
	}
}

func TestNew_KeyValidation(t *testing.T) {
	_, err := New(nil)
	assert.ErrorIs(t, err, ErrNoKey)

	_, err = New([]byte("short"))
	assert.Error(t, err)
}

func TestLoadKey(t *testing.T) {
	key := bytes.Repeat([]byte{1}, 32)
	encoded := base64.StdEncoding.EncodeToString(key)

	got, err := LoadKey(encoded, "")
	require.NoError(t, err)
	assert.Equal(t, key, got)

	got, err = LoadKey(base64.RawURLEncoding.EncodeToString(key), "")
	require.NoError(t, err)
	assert.Equal(t, key, got)

	file := filepath.Join(t.TempDir(), "key")
	require.NoError(t, os.WriteFile(file, []byte(encoded+"\n"), 0o600))
	got, err = LoadKey("", file)
	require.NoError(t, err)
	assert.Equal(t, key, got)

	_, err = LoadKey("", "")
	assert.ErrorIs(t, err, ErrNoKey)

	_, err = LoadKey(strings.Repeat("!", 10), "")
	assert.Error(t, err)

	_, err = LoadKey("", filepath.Join(t.TempDir(), "missing"))
	assert.Error(t, err)
}
