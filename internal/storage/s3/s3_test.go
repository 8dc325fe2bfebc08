package s3

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/fruitsalade/docvault/internal/storage"
)

func TestEndpointURL(t *testing.T) {
	tests := []struct {
		endpoint string
		ssl      bool
		want     string
	}{
		{"", false, ""},
		{"localhost:9000", false, "http://localhost:9000"},
		{"minio.internal:9000", true, "https://minio.internal:9000"},
		{"http://already:9000", true, "http://already:9000"},
	}
	for _, tt := range tests {
		if got := endpointURL(tt.endpoint, tt.ssl); got != tt.want {
			t.Errorf("endpointURL(%q, %v) = %q, want %q", tt.endpoint, tt.ssl, got, tt.want)
		}
	}
}

func TestCopySource(t *testing.T) {
	got := copySource("media", "users/1/My Docs/a+b.txt")
	want := "media/users/1/My%20Docs/a+b.txt"
	if got != want {
		t.Errorf("copySource = %q, want %q", got, want)
	}
}

func TestDirKey(t *testing.T) {
	if dirKey("a/b") != "a/b/" || dirKey("a/b/") != "a/b/" {
		t.Errorf("dirKey did not normalise trailing slash")
	}
}

// newTestBackend connects to the S3 endpoint in TEST_S3_ENDPOINT, using a
// fresh bucket per test.
func newTestBackend(t *testing.T) *Backend {
	t.Helper()
	endpoint := os.Getenv("TEST_S3_ENDPOINT")
	if endpoint == "" {
		t.Skip("TEST_S3_ENDPOINT not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	b, err := New(ctx, Config{
		Endpoint:  endpoint,
		Bucket:    fmt.Sprintf("docvault-test-%d", time.Now().UnixNano()),
		AccessKey: os.Getenv("TEST_S3_ACCESS_KEY"),
		SecretKey: os.Getenv("TEST_S3_SECRET_KEY"),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return b
}

func TestBackendIntegration(t *testing.T) {
	b := newTestBackend(t)
	ctx := context.Background()

	n, err := b.PutObject(ctx, "users/1/Docs/a.txt", strings.NewReader("hello"), -1)
	if err != nil || n != 5 {
		t.Fatalf("PutObject = %d, %v", n, err)
	}
	if err := b.MakeDir(ctx, "users/1/Docs"); err != nil {
		t.Fatalf("MakeDir: %v", err)
	}
	if err := b.RemoveDir(ctx, "users/1/Docs"); !errors.Is(err, storage.ErrNotEmpty) {
		t.Errorf("RemoveDir(non-empty) err = %v", err)
	}

	if err := b.Move(ctx, "users/1/Docs", "users/1/Archive/Docs"); err != nil {
		t.Fatalf("Move: %v", err)
	}
	rc, _, err := b.GetObject(ctx, "users/1/Archive/Docs/a.txt", 0, 0)
	if err != nil {
		t.Fatalf("GetObject after move: %v", err)
	}
	data, _ := io.ReadAll(rc)
	rc.Close()
	if string(data) != "hello" {
		t.Errorf("moved content = %q", data)
	}
	if _, err := b.Stat(ctx, "users/1/Docs"); !errors.Is(err, fs.ErrNotExist) {
		t.Errorf("Stat(old prefix) err = %v", err)
	}
	if err := b.Move(ctx, "users/1/Docs", "x"); !errors.Is(err, fs.ErrNotExist) {
		t.Errorf("Move(missing) err = %v", err)
	}

	if err := b.RemoveAll(ctx, "users/1"); err != nil {
		t.Fatalf("RemoveAll: %v", err)
	}
	if _, _, err := b.GetObject(ctx, "users/1/Archive/Docs/a.txt", 0, 0); !errors.Is(err, fs.ErrNotExist) {
		t.Errorf("GetObject after RemoveAll err = %v", err)
	}
}
