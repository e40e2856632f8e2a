package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSetupWithOptionsRenamesKeys(t *testing.T) {
	var buf bytes.Buffer
	logger, closer := SetupWithOptions("subsidyd", "test", Options{Output: &buf})
	defer closer.Close()

	logger.Info("hello", slog.String("intent_key", "claim:1"))

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	require.Equal(t, "hello", line["message"])
	require.Equal(t, "INFO", line["severity"])
	require.Equal(t, "subsidyd", line["service"])
	require.Equal(t, "test", line["env"])
	require.Contains(t, line, "timestamp")
}

func TestSetupWithOptionsWritesRotatingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "subsidyd.log")
	var buf bytes.Buffer
	logger, closer := SetupWithOptions("subsidyd", "", Options{
		Output: &buf,
		Level:  slog.LevelDebug,
		File:   &FileOptions{Path: path, MaxSizeMB: 1},
	})
	logger.Debug("to file")
	require.NoError(t, closer.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Contains(t, string(data), "to file")
	require.Contains(t, buf.String(), "to file")
}

func TestMaskField(t *testing.T) {
	require.Equal(t, RedactedValue, MaskField("signer_key", "0xabc").Value.String())
	require.Equal(t, "0xdead", MaskField("tx_hash", "0xdead").Value.String())
	require.Equal(t, "", MaskField("jwt_secret", "").Value.String())
}

func TestMaskDSN(t *testing.T) {
	cases := map[string]string{
		"postgres://app:secret@db:5432/subsidy": "postgres://app:" + RedactedValue + "@db:5432/subsidy",
		"postgres://db:5432/subsidy":            "postgres://db:5432/subsidy",
		"file:subsidy.db?_pragma=busy_timeout":  "file:subsidy.db?_pragma=busy_timeout",
	}
	for in, want := range cases {
		if got := MaskDSN(in); got != want {
			t.Fatalf("MaskDSN(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestParseLevel(t *testing.T) {
	require.Equal(t, slog.LevelDebug, ParseLevel("DEBUG"))
	require.Equal(t, slog.LevelWarn, ParseLevel("warning"))
	require.Equal(t, slog.LevelInfo, ParseLevel(""))
}
