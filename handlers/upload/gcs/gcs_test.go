package gcs

import (
	"context"
	"io"
	"os"
	"strings"
	"testing"

	"cloud.google.com/go/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/DoNewsCode/jobboard-queue/jobs"
)

func TestObjectName(t *testing.T) {
	cases := []struct {
		folder, name, want string
	}{
		{"", "cv.PDF", "id.pdf"},
		{"jobs/42", "logo.png", "jobs/42/id.png"},
		{"/jobs/42/", "README", "jobs/42/id"},
		{"../../etc", "passwd", "etc/id"},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, objectName(c.folder, "id", c.name), c.folder)
	}
}

func TestStorage_url(t *testing.T) {
	s := New(nil, "uploads")
	assert.Equal(t, "https://storage.googleapis.com/uploads/jobs/my%20file.pdf", s.url("jobs/my file.pdf"))

	s = New(nil, "uploads", WithBaseURL("https://cdn.example.com/"))
	assert.Equal(t, "https://cdn.example.com/a/b.png", s.url("a/b.png"))
}

// TestStorage_Upload runs against the fake-gcs-server emulator when
// STORAGE_EMULATOR_HOST and GCS_TEST_BUCKET are set.
func TestStorage_Upload(t *testing.T) {
	bucket := os.Getenv("GCS_TEST_BUCKET")
	if os.Getenv("STORAGE_EMULATOR_HOST") == "" || bucket == "" {
		t.Skip("set STORAGE_EMULATOR_HOST and GCS_TEST_BUCKET to run gcs tests")
	}
	ctx := context.Background()
	client, err := storage.NewClient(ctx)
	require.NoError(t, err)
	defer client.Close()

	s := New(client, bucket)
	s.newID = func() string { return "fixed" }
	var written int64
	url, err := s.Upload(ctx, "tests", jobs.TempFile{OriginalName: "hello.txt", MimeType: "text/plain"}, strings.NewReader("hello"), func(n int64) {
		written = n
	})
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(url, "/tests/fixed.txt"))

	r, err := client.Bucket(bucket).Object("tests/fixed.txt").NewReader(ctx)
	require.NoError(t, err)
	defer r.Close()
	b, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(b))
	assert.LessOrEqual(t, written, int64(5))
}
