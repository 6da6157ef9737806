package r2s3

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
)

func writeSegment(t *testing.T, dir, name, body string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	if err := os.WriteFile(p, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return p
}

func TestClient_PutFileSignsPathStyleRequest(t *testing.T) {
	var (
		mu   sync.Mutex
		got  *http.Request
		body string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		mu.Lock()
		got, body = r, string(b)
		mu.Unlock()
	}))
	defer srv.Close()

	c, err := New(Config{Endpoint: srv.URL, Bucket: "audit", AccessKeyID: "AKID", SecretAccessKey: "secret"})
	if err != nil {
		t.Fatal(err)
	}
	c.now = func() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC) }

	p := writeSegment(t, t.TempDir(), "audit-2026-03-01-11.jsonl.zst", "payload")
	if err := c.PutFile(context.Background(), "runs/audit-2026-03-01-11.jsonl.zst", p); err != nil {
		t.Fatalf("put: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if got.Method != http.MethodPut || got.URL.Path != "/audit/runs/audit-2026-03-01-11.jsonl.zst" {
		t.Fatalf("request: %s %s", got.Method, got.URL.Path)
	}
	if body != "payload" {
		t.Fatalf("body: %q", body)
	}
	if got.Header.Get("x-amz-date") != "20260301T120000Z" {
		t.Fatalf("x-amz-date: %q", got.Header.Get("x-amz-date"))
	}
	if got.Header.Get("x-amz-content-sha256") != sha256Hex([]byte("payload")) {
		t.Fatalf("payload hash: %q", got.Header.Get("x-amz-content-sha256"))
	}
	auth := got.Header.Get("Authorization")
	if !strings.HasPrefix(auth, "AWS4-HMAC-SHA256 Credential=AKID/20260301/auto/s3/aws4_request, SignedHeaders=host;x-amz-content-sha256;x-amz-date, Signature=") {
		t.Fatalf("authorization: %q", auth)
	}
}

func TestClient_PutFileReportsStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "AccessDenied", http.StatusForbidden)
	}))
	defer srv.Close()

	c, err := New(Config{Endpoint: srv.URL, Bucket: "audit", AccessKeyID: "AKID", SecretAccessKey: "secret"})
	if err != nil {
		t.Fatal(err)
	}
	p := writeSegment(t, t.TempDir(), "a.jsonl.zst", "x")
	err = c.PutFile(context.Background(), "a.jsonl.zst", p)
	if err == nil || !strings.Contains(err.Error(), "status=403") {
		t.Fatalf("expected 403 error, got %v", err)
	}
}

func TestNew_RequiresCredentials(t *testing.T) {
	if _, err := New(Config{Endpoint: "r2.example.com", Bucket: "b"}); err == nil {
		t.Fatalf("expected error without keys")
	}
	c, err := New(Config{Endpoint: "r2.example.com", Bucket: "b", AccessKeyID: "k", SecretAccessKey: "s"})
	if err != nil {
		t.Fatal(err)
	}
	if c.endpoint != "https://r2.example.com" || c.region != "auto" {
		t.Fatalf("defaults: %s %s", c.endpoint, c.region)
	}
}

func TestNormalizeObjectKey(t *testing.T) {
	cases := map[string]string{
		"":                "",
		"/a/b":            "a/b",
		`a\b`:             "a/b",
		"a/../../etc":     "etc",
		"  runs//x.zst  ": "runs/x.zst",
	}
	for in, want := range cases {
		if got := normalizeObjectKey(in); got != want {
			t.Fatalf("normalizeObjectKey(%q) = %q want %q", in, got, want)
		}
	}
}

type fakeUploader struct {
	mu    sync.Mutex
	fails int
	keys  []string
	calls int
}

func (f *fakeUploader) PutFile(_ context.Context, key, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.fails > 0 {
		f.fails--
		return errors.New("unavailable")
	}
	f.keys = append(f.keys, key)
	return nil
}

func TestMirror_UploadsWithPrefixAndRetries(t *testing.T) {
	dir := t.TempDir()
	up := &fakeUploader{fails: 2}
	m := NewMirror(up, MirrorOptions{Prefix: "/crew/", Backoff: time.Millisecond})

	m.Enqueue(writeSegment(t, dir, "audit-2026-03-01-10.jsonl.zst", "a"))
	m.Enqueue(filepath.Join(dir, "missing.jsonl.zst"))
	m.Close()

	if len(up.keys) != 1 || up.keys[0] != "crew/audit-2026-03-01-10.jsonl.zst" {
		t.Fatalf("keys: %v", up.keys)
	}
	if up.calls != 3 {
		t.Fatalf("expected 3 attempts, got %d", up.calls)
	}
	st := m.Stats()
	if st.EnqueuedTotal != 2 || st.UploadSuccessTotal != 1 || st.UploadFailTotal != 1 {
		t.Fatalf("stats: %+v", st)
	}
	if st.LastSuccessUnix == 0 || st.LastErrorUnix == 0 {
		t.Fatalf("timestamps not set: %+v", st)
	}
}

type blockingUploader struct{ release chan struct{} }

func (b blockingUploader) PutFile(ctx context.Context, _, _ string) error {
	<-b.release
	return nil
}

func TestMirror_DropsWhenSaturated(t *testing.T) {
	dir := t.TempDir()
	p := writeSegment(t, dir, "a.jsonl.zst", "a")
	up := blockingUploader{release: make(chan struct{})}
	m := NewMirror(up, MirrorOptions{QueueCapacity: 1, EnqueueWait: time.Millisecond})

	// One in flight, one queued, the rest dropped.
	for i := 0; i < 5; i++ {
		m.Enqueue(p)
	}
	close(up.release)
	m.Close()

	st := m.Stats()
	if st.EnqueuedTotal != 5 {
		t.Fatalf("enqueued: %+v", st)
	}
	if st.DroppedTotal == 0 || st.DroppedTotal > 4 {
		t.Fatalf("dropped: %+v", st)
	}
	if st.UploadSuccessTotal+st.DroppedTotal != 5 {
		t.Fatalf("every segment is uploaded or dropped: %+v", st)
	}
}

func TestMirror_NilIsNoop(t *testing.T) {
	var m *Mirror
	m.Enqueue("x")
	m.Close()
	if m.Stats() != (Stats{}) {
		t.Fatalf("nil stats")
	}
}
