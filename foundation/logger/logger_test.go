package logger_test

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/ardanlabs/blockforge/foundation/logger"
	"github.com/stretchr/testify/require"
)

func TestNewWriter(t *testing.T) {
	var buf bytes.Buffer

	log := logger.NewWriter("POWWORKER", &buf)
	log.Infow("startup", "status", "started")
	require.NoError(t, log.Sync())

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	require.Equal(t, "POWWORKER", entry["service"])
	require.Equal(t, "startup", entry["msg"])
	require.Equal(t, "started", entry["status"])
}

func TestNew(t *testing.T) {
	log, err := logger.New("NODE")
	require.NoError(t, err)
	require.NotNil(t, log)
}
