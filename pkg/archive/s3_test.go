package archive

import (
	"bufio"
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/storyloom/storyloom/pkg/audit"
)

// fakeS3 speaks just enough path-style S3 for the archiver
type fakeS3 struct {
	mu       sync.Mutex
	buckets  map[string]bool
	objects  map[string][]byte
	metadata map[string]http.Header
	failPut  bool
}

func newFakeS3(t *testing.T) (*fakeS3, *httptest.Server) {
	t.Helper()
	f := &fakeS3{
		buckets:  make(map[string]bool),
		objects:  make(map[string][]byte),
		metadata: make(map[string]http.Header),
	}
	server := httptest.NewServer(f)
	t.Cleanup(server.Close)
	return f, server
}

func (f *fakeS3) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	bucket, key, _ := strings.Cut(strings.TrimPrefix(r.URL.Path, "/"), "/")
	switch {
	case r.Method == http.MethodHead && key == "":
		if !f.buckets[bucket] {
			w.WriteHeader(http.StatusNotFound)
			return
		}
	case r.Method == http.MethodPut && key == "":
		f.buckets[bucket] = true
	case r.Method == http.MethodPut:
		if f.failPut || !f.buckets[bucket] {
			w.Header().Set("Content-Type", "application/xml")
			w.WriteHeader(http.StatusForbidden)
			io.WriteString(w, `<?xml version="1.0" encoding="UTF-8"?><Error><Code>AccessDenied</Code><Message>denied</Message></Error>`)
			return
		}
		body, _ := io.ReadAll(r.Body)
		f.objects[bucket+"/"+key] = body
		f.metadata[bucket+"/"+key] = r.Header.Clone()
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func newTestArchiver(t *testing.T, endpoint string) *S3Archiver {
	t.Helper()
	t.Setenv("AWS_EC2_METADATA_DISABLED", "true")
	a, err := NewS3Archiver(context.Background(), Config{
		Bucket:       "storyloom-audit",
		Endpoint:     endpoint,
		Prefix:       "prod",
		AccessKey:    "test",
		SecretKey:    "test",
		UsePathStyle: true,
	})
	require.NoError(t, err)
	return a
}

func archivedEvents() []*audit.AuditEvent {
	ts := time.Date(2026, 4, 2, 8, 30, 0, 0, time.UTC)
	return []*audit.AuditEvent{
		{ID: 41, Timestamp: ts, EventType: audit.EventTypeRoleCreate, Status: audit.EventStatusSuccess, ResourceID: "5"},
		{ID: 42, Timestamp: ts, EventType: audit.EventTypeAccessDenied, Status: audit.EventStatusDenied},
	}
}

func TestNewS3Archiver(t *testing.T) {
	fake, server := newFakeS3(t)
	a := newTestArchiver(t, server.URL)

	assert.True(t, fake.buckets["storyloom-audit"], "bucket should be created")
	assert.NoError(t, a.HealthCheck(context.Background()))

	_, err := NewS3Archiver(context.Background(), Config{Endpoint: server.URL})
	assert.EqualError(t, err, "archive bucket is required")
}

func TestS3Archiver_Archive(t *testing.T) {
	fake, server := newFakeS3(t)
	a := newTestArchiver(t, server.URL)

	cutoff := time.Date(2026, 7, 1, 3, 15, 0, 0, time.UTC)
	require.NoError(t, a.Archive(context.Background(), cutoff, archivedEvents()))

	const key = "storyloom-audit/prod/audit/2026/07/01/41-42.ndjson"
	body, ok := fake.objects[key]
	require.True(t, ok, "objects: %v", fake.objects)

	var lines []string
	scanner := bufio.NewScanner(bytes.NewReader(body))
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	require.Len(t, lines, 2)
	event, err := audit.FromJSON([]byte(lines[1]))
	require.NoError(t, err)
	assert.Equal(t, audit.EventTypeAccessDenied, event.EventType)

	sum := sha256.Sum256(body)
	header := fake.metadata[key]
	assert.Equal(t, hex.EncodeToString(sum[:]), header.Get("X-Amz-Meta-Checksum-Sha256"))
	assert.Equal(t, "2", header.Get("X-Amz-Meta-Event-Count"))
	assert.Equal(t, "application/x-ndjson", header.Get("Content-Type"))
}

func TestS3Archiver_ArchiveEmpty(t *testing.T) {
	fake, server := newFakeS3(t)
	a := newTestArchiver(t, server.URL)

	require.NoError(t, a.Archive(context.Background(), time.Now(), nil))
	assert.Empty(t, fake.objects)
}

func TestS3Archiver_UploadFailure(t *testing.T) {
	fake, server := newFakeS3(t)
	a := newTestArchiver(t, server.URL)
	fake.failPut = true

	err := a.Archive(context.Background(), time.Now(), archivedEvents())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to upload audit archive")
}

func TestObjectKey_NoPrefix(t *testing.T) {
	a := &S3Archiver{bucket: "b"}
	key := a.objectKey(time.Date(2026, 1, 9, 23, 0, 0, 0, time.FixedZone("x", -5*3600)), archivedEvents())
	assert.Equal(t, "audit/2026/01/10/41-42.ndjson", key)
}
