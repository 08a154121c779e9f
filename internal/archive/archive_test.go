package archive

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
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

	"github.com/minio/minio-go/v7"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sheetsync/internal/config"
	"sheetsync/pkg/records"
)

func invalid() []records.InvalidRecord {
	seen := time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)
	return []records.InvalidRecord{
		{
			CollectionID: "99", RecordID: "7", Errors: []string{`數量: "abc" is not a number`}, SeenAt: seen,
			Raw: records.Record{ID: "7", Fields: []records.Field{
				{Name: "數量", Value: records.String("abc")},
				{Name: "_ragicId", Value: records.Number("7")},
			}},
		},
		{CollectionID: "99", RecordID: "8", Errors: []string{"訂單編號: required"}, SeenAt: seen},
	}
}

func TestEncode_JSONLinesKeepFieldOrder(t *testing.T) {
	t.Parallel()
	b, err := encode(invalid())
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(string(b)), "\n")
	require.Len(t, lines, 2)
	assert.Contains(t, lines[0], `"raw":{"數量":"abc","_ragicId":7}`)
	var back records.InvalidRecord
	require.NoError(t, json.Unmarshal([]byte(lines[1]), &back))
	assert.Equal(t, "8", back.RecordID)
	assert.Equal(t, []string{"訂單編號: required"}, back.Errors)
}

func TestObjectKey(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "invalid/run-1/99.jsonl", objectKey("invalid/", "run-1", "99"))
	assert.Equal(t, "r/forms8_3.jsonl", objectKey("", "r", "forms8/3"))
	assert.Equal(t, "_/_.jsonl", objectKey("", "..", ".."))
}

func TestLocal(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	a := Local{Dir: dir, Prefix: "invalid-"}

	loc, err := a.Archive(context.Background(), "run-1", "99", invalid())
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "invalid-run-1", "99.jsonl"), loc)

	f, err := os.Open(loc)
	require.NoError(t, err)
	defer f.Close()
	n := 0
	for sc := bufio.NewScanner(f); sc.Scan(); n++ {
	}
	assert.Equal(t, 2, n)

	loc, err = a.Archive(context.Background(), "run-1", "10", nil)
	require.NoError(t, err)
	assert.Empty(t, loc, "nothing to archive writes nothing")
}

type fakePutter struct {
	exists  bool
	made    []string
	objects map[string][]byte
	opts    minio.PutObjectOptions
	err     error
}

func (f *fakePutter) BucketExists(context.Context, string) (bool, error) { return f.exists, f.err }
func (f *fakePutter) MakeBucket(_ context.Context, b string, _ minio.MakeBucketOptions) error {
	f.made = append(f.made, b)
	return nil
}
func (f *fakePutter) PutObject(_ context.Context, bucket, object string, r io.Reader, size int64, opts minio.PutObjectOptions) (minio.UploadInfo, error) {
	if f.err != nil {
		return minio.UploadInfo{}, f.err
	}
	b, _ := io.ReadAll(r)
	if f.objects == nil {
		f.objects = map[string][]byte{}
	}
	f.objects[bucket+"/"+object] = b
	f.opts = opts
	return minio.UploadInfo{Bucket: bucket, Key: object, Size: size}, nil
}

func TestS3_Archive(t *testing.T) {
	t.Parallel()
	fp := &fakePutter{}
	s := &S3{client: fp, bucket: "erp-invalid", prefix: "sheetsync/"}

	require.NoError(t, s.ensureBucket(context.Background(), "us-east-1"))
	assert.Equal(t, []string{"erp-invalid"}, fp.made)

	loc, err := s.Archive(context.Background(), "run-1", "99", invalid())
	require.NoError(t, err)
	assert.Equal(t, "s3://erp-invalid/sheetsync/run-1/99.jsonl", loc)
	assert.Equal(t, 2, bytes.Count(fp.objects["erp-invalid/sheetsync/run-1/99.jsonl"], []byte("\n")))
	assert.Equal(t, "application/x-ndjson", fp.opts.ContentType)
	assert.Equal(t, "99", fp.opts.UserMetadata["collection"])

	fp.err = errors.New("access denied")
	_, err = s.Archive(context.Background(), "run-1", "99", invalid())
	assert.ErrorContains(t, err, "access denied")
}

func TestNewS3_Validation(t *testing.T) {
	t.Parallel()
	for _, cfg := range []S3Config{
		{Bucket: "b", AccessKey: "a", SecretKey: "s"},
		{Endpoint: "localhost:9000", AccessKey: "a", SecretKey: "s"},
		{Endpoint: "localhost:9000", Bucket: "b"},
	} {
		_, err := NewS3(context.Background(), cfg)
		assert.Error(t, err)
	}
}

// TestNewS3_AgainstFakeServer drives the real minio client against a tiny
// S3 stand-in.
func TestNewS3_AgainstFakeServer(t *testing.T) {
	t.Parallel()
	var (
		mu   sync.Mutex
		puts = map[string]string{}
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodHead:
			w.WriteHeader(http.StatusOK)
		case http.MethodPut:
			b, _ := io.ReadAll(r.Body)
			mu.Lock()
			puts[r.URL.Path] = string(b)
			mu.Unlock()
			w.Header().Set("ETag", `"d41d8cd98f00b204e9800998ecf8427e"`)
			w.WriteHeader(http.StatusOK)
		default:
			w.WriteHeader(http.StatusMethodNotAllowed)
		}
	}))
	defer srv.Close()

	s, err := NewS3(context.Background(), S3Config{Endpoint: srv.URL, Bucket: "erp", AccessKey: "k", SecretKey: "s"})
	require.NoError(t, err)
	loc, err := s.Archive(context.Background(), "run-1", "99", invalid())
	require.NoError(t, err)
	assert.Equal(t, "s3://erp/run-1/99.jsonl", loc)

	mu.Lock()
	defer mu.Unlock()
	assert.Contains(t, puts["/erp/run-1/99.jsonl"], `"record_id":"7"`)
}

func TestFromConfig(t *testing.T) {
	t.Parallel()
	a, err := FromConfig(context.Background(), config.Archive{})
	require.NoError(t, err)
	assert.IsType(t, Nop{}, a)

	a, err = FromConfig(context.Background(), config.Archive{Kind: "local", Dir: "/tmp/x"})
	require.NoError(t, err)
	assert.Equal(t, Local{Dir: "/tmp/x"}, a)

	_, err = FromConfig(context.Background(), config.Archive{Kind: "gcs"})
	assert.EqualError(t, err, `archive: unsupported kind "gcs"`)
}
