package config

import (
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestFromEnvDefaults(t *testing.T) {
	clearAll(t)
	cfg := FromEnv()

	assert.Equal(t, []string{"https://arweave.net"}, cfg.TrustedGatewayURLs)
	assert.Equal(t, 3, cfg.ChunkPostMinSuccessCount)
	assert.Equal(t, 10*time.Second, cfg.ChunkPostAbortTimeout)
	assert.Equal(t, 4*time.Hour, cfg.ChunkDataCacheCleanupThreshold)
	assert.True(t, cfg.EnableBackgroundDataVerification)
	assert.Equal(t, 100000, cfg.MaxDataItemQueueSize)
}

func TestFromEnvOverrides(t *testing.T) {
	clearAll(t)
	t.Setenv("TRUSTED_GATEWAYS_URLS", "https://a.net, https://b.net")
	t.Setenv("ANS104_DOWNLOAD_WORKERS", "12")
	t.Setenv("ENABLE_BACKGROUND_DATA_VERIFICATION", "false")

	cfg := FromEnv()
	assert.Equal(t, []string{"https://a.net", "https://b.net"}, cfg.TrustedGatewayURLs)
	assert.Equal(t, 12, cfg.ANS104DownloadWorkers)
	assert.False(t, cfg.EnableBackgroundDataVerification)
}

func TestGetenvIntIgnoresGarbage(t *testing.T) {
	clearAll(t)
	t.Setenv("CHUNK_POST_MIN_SUCCESS_COUNT", "not-a-number")
	cfg := FromEnv()
	assert.Equal(t, 3, cfg.ChunkPostMinSuccessCount)
}

func clearAll(t *testing.T) {
	t.Helper()
	for _, kv := range os.Environ() {
		if k, _, ok := strings.Cut(kv, "="); ok && k != "" {
			t.Setenv(k, "")
		}
	}
}
