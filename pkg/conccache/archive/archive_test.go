package archive

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() Config {
	return Config{
		Endpoint:  "localhost:9000",
		AccessKey: "minio",
		SecretKey: "minio123",
		Bucket:    "conc",
		Prefix:    "/cache/",
	}
}

func TestNew_Valid(t *testing.T) {
	t.Parallel()

	s, err := New(validConfig())
	require.NoError(t, err)
	assert.Equal(t, defaultRegion, s.region)
	assert.Equal(t, "cache/susanne/abc.conc", s.ObjectKey("susanne", "/var/cache/conc/susanne/abc.conc"))
}

func TestNew_MissingSettings(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		mutate func(c *Config)
	}{
		{"endpoint", func(c *Config) { c.Endpoint = " " }},
		{"credentials", func(c *Config) { c.SecretKey = "" }},
		{"bucket", func(c *Config) { c.Bucket = "" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			cfg := validConfig()
			tt.mutate(&cfg)

			_, err := New(cfg)
			require.ErrorIs(t, err, ErrMissingSetting)
		})
	}
}

func TestObjectKey_NoPrefix(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "corp/x.conc", objectKey("", "corp", "x.conc"))
}

func TestEnsureBucket_RetriesAfterFailure(t *testing.T) {
	t.Parallel()

	var checks atomic.Int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodHead {
			w.WriteHeader(http.StatusNotImplemented)

			return
		}

		if checks.Add(1) == 1 {
			w.WriteHeader(http.StatusForbidden)

			return
		}

		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(srv.Close)

	cfg := validConfig()
	cfg.Endpoint = strings.TrimPrefix(srv.URL, "http://")

	s, err := New(cfg)
	require.NoError(t, err)

	require.Error(t, s.ensureBucket(context.Background()))
	require.NoError(t, s.ensureBucket(context.Background()))
	require.NoError(t, s.ensureBucket(context.Background()))
	assert.Equal(t, int32(2), checks.Load())
}
