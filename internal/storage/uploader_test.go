package storage

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sakif/clickmodel/internal/config"
)

func testStorageConfig(endpoint string) config.StorageConfig {
	return config.StorageConfig{
		Endpoint:      endpoint,
		Region:        "us-east-1",
		AccessKey:     "AKIATEST",
		SecretKey:     "secret",
		Bucket:        "tryon",
		PublicBaseURL: "https://cdn.example.com/",
		UsePathStyle:  true,
		Prefix:        "/uploads/",
	}
}

func TestNewUploader_RequiresConfig(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*config.StorageConfig)
	}{
		{"bucket", func(c *config.StorageConfig) { c.Bucket = "" }},
		{"region", func(c *config.StorageConfig) { c.Region = "" }},
		{"credentials", func(c *config.StorageConfig) { c.SecretKey = "" }},
		{"public url", func(c *config.StorageConfig) { c.PublicBaseURL = "" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testStorageConfig("")
			tt.mutate(&cfg)
			_, err := NewUploader(cfg)
			assert.Error(t, err)
		})
	}
}

func TestGenerateKey(t *testing.T) {
	u, err := NewUploader(testStorageConfig(""))
	require.NoError(t, err)
	u.now = func() time.Time { return time.Date(2026, 2, 7, 23, 0, 0, 0, time.UTC) }

	key := u.generateKey("user1", ".png")

	assert.Regexp(t, regexp.MustCompile(`^uploads/user1/2026/02/07/[0-9a-f-]{36}\.png$`), key)
}

func TestUpload_PutsPublicObject(t *testing.T) {
	var (
		gotMethod, gotPath, gotACL, gotType string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		gotPath = r.URL.Path
		gotACL = r.Header.Get("X-Amz-Acl")
		gotType = r.Header.Get("Content-Type")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	u, err := NewUploader(testStorageConfig(srv.URL))
	require.NoError(t, err)

	url, err := u.Upload(context.Background(), "user1", []byte("\x89PNG fake"), "image/png")

	require.NoError(t, err)
	assert.Equal(t, http.MethodPut, gotMethod)
	assert.True(t, strings.HasPrefix(gotPath, "/tryon/uploads/user1/"), "path = %s", gotPath)
	assert.Equal(t, "public-read", gotACL)
	assert.Equal(t, "image/png", gotType)
	assert.True(t, strings.HasPrefix(url, "https://cdn.example.com/uploads/user1/"), "url = %s", url)
	assert.True(t, strings.HasSuffix(url, ".png"))
}

func TestUpload_Rejects(t *testing.T) {
	u, err := NewUploader(testStorageConfig("http://127.0.0.1:1"))
	require.NoError(t, err)

	_, err = u.Upload(context.Background(), "user1", []byte("GIF89a"), "image/gif")
	assert.True(t, errors.Is(err, ErrUnsupportedType))

	_, err = u.Upload(context.Background(), "user1", nil, "image/png")
	assert.Error(t, err)
}
