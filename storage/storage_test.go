package storage

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFormatBackupName(t *testing.T) {
	ts := time.Date(2026, 2, 6, 12, 30, 45, 0, time.UTC)
	got := FormatBackupName("7f1c", ts, ".tar.gz")
	assert.Equal(t, "backup_2026-02-06T123045Z_7f1c.tar.gz", got)
}

func TestFormatBackupName_NonUTC(t *testing.T) {
	loc := time.FixedZone("EST", -5*3600)
	ts := time.Date(2026, 2, 6, 8, 0, 0, 0, loc)
	assert.Equal(t, "backup_2026-02-06T130000Z_id.zip", FormatBackupName("id", ts, ".zip"))
}

func TestKindValid(t *testing.T) {
	for _, k := range Kinds {
		assert.True(t, k.Valid(), k)
	}
	assert.False(t, Kind("ftp").Valid())
}

func TestConfigDefaults(t *testing.T) {
	cfg := Config{
		"path":    "  /srv/backups ",
		"port":    "2222",
		"bad_int": "abc",
		"tls":     "true",
		"timeout": "45",
		"blank":   "   ",
	}

	assert.Equal(t, "/srv/backups", cfg.String("path", "x"))
	assert.Equal(t, "x", cfg.String("blank", "x"))
	assert.Equal(t, "x", cfg.String("missing", "x"))
	assert.Equal(t, 2222, cfg.Int("port", 22))
	assert.Equal(t, 22, cfg.Int("bad_int", 22))
	assert.True(t, cfg.Bool("tls", false))
	assert.True(t, cfg.Bool("missing", true))
	assert.Equal(t, 45*time.Second, cfg.Duration("timeout", time.Second))
	assert.Equal(t, time.Minute, cfg.Duration("missing", time.Minute))

	var nilCfg Config
	assert.Equal(t, "d", nilCfg.String("anything", "d"))
}

func TestConfigRequire(t *testing.T) {
	err := Config{"bucket": ""}.Require(KindS3, "bucket")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrConfig)
	assert.Contains(t, err.Error(), "bucket is required")

	assert.NoError(t, Config{"bucket": "b"}.Require(KindS3, "bucket"))
}

func TestOpErrorUnwrapsClassAndCause(t *testing.T) {
	cause := fmt.Errorf("dial tcp 10.0.0.1:22: connect: connection refused")
	err := NewError(KindSFTP, "upload", "backups/a.zip", ErrConnectivity, cause)

	assert.True(t, errors.Is(err, ErrConnectivity))
	assert.True(t, errors.Is(err, cause))
	assert.False(t, errors.Is(err, ErrPermission))
	assert.Equal(t, "sftp: upload backups/a.zip: connectivity failure: dial tcp 10.0.0.1:22: connect: connection refused", err.Error())

	var opErr *OpError
	require.True(t, errors.As(err, &opErr))
	assert.Equal(t, KindSFTP, opErr.Kind)
}
