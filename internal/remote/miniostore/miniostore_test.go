package miniostore

import (
	"bufio"
	"bytes"
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sort"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"table-sync-service/internal/config"
	"table-sync-service/internal/syncerr"
)

type object struct {
	data     []byte
	modified time.Time
}

// fakeServer answers the S3 calls the store makes for one bucket.
type fakeServer struct {
	mu      sync.Mutex
	bucket  string
	created bool
	objects map[string]object
	now     time.Time
}

func newFakeServer(bucket string) *fakeServer {
	return &fakeServer{bucket: bucket, objects: make(map[string]object), now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (f *fakeServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	bucket, key, _ := strings.Cut(strings.TrimPrefix(r.URL.Path, "/"), "/")
	if bucket != f.bucket {
		writeS3Error(w, http.StatusNotFound, "NoSuchBucket")
		return
	}

	if key == "" {
		f.serveBucket(w, r)
		return
	}
	if !f.created {
		writeS3Error(w, http.StatusNotFound, "NoSuchBucket")
		return
	}

	switch r.Method {
	case http.MethodPut:
		data, err := readBody(r)
		if err != nil {
			writeS3Error(w, http.StatusBadRequest, "IncompleteBody")
			return
		}
		f.now = f.now.Add(time.Second)
		f.objects[key] = object{data: data, modified: f.now}
		w.Header().Set("ETag", `"etag"`)
		w.WriteHeader(http.StatusOK)

	case http.MethodHead, http.MethodGet:
		o, ok := f.objects[key]
		if !ok {
			if r.Method == http.MethodHead {
				w.WriteHeader(http.StatusNotFound)
				return
			}
			writeS3Error(w, http.StatusNotFound, "NoSuchKey")
			return
		}
		w.Header().Set("ETag", `"etag"`)
		w.Header().Set("Last-Modified", o.modified.Format(http.TimeFormat))
		w.Header().Set("Content-Length", strconv.Itoa(len(o.data)))
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		if r.Method == http.MethodGet {
			w.Write(o.data)
		}

	case http.MethodDelete:
		delete(f.objects, key)
		w.WriteHeader(http.StatusNoContent)

	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (f *fakeServer) bucketCreated() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.created
}

func (f *fakeServer) serveBucket(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	switch {
	case r.Method == http.MethodHead:
		if !f.created {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.WriteHeader(http.StatusOK)

	case r.Method == http.MethodPut:
		f.created = true
		w.WriteHeader(http.StatusOK)

	case r.Method == http.MethodGet && q.Has("location"):
		w.Header().Set("Content-Type", "application/xml")
		fmt.Fprint(w, `<LocationConstraint xmlns="http://s3.amazonaws.com/doc/2006-03-01/">us-east-1</LocationConstraint>`)

	case r.Method == http.MethodGet:
		f.list(w, q.Get("prefix"))

	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

type listContent struct {
	Key          string `xml:"Key"`
	LastModified string `xml:"LastModified"`
	ETag         string `xml:"ETag"`
	Size         int    `xml:"Size"`
	StorageClass string `xml:"StorageClass"`
}

type listResult struct {
	XMLName     xml.Name      `xml:"ListBucketResult"`
	Name        string        `xml:"Name"`
	Prefix      string        `xml:"Prefix"`
	KeyCount    int           `xml:"KeyCount"`
	MaxKeys     int           `xml:"MaxKeys"`
	IsTruncated bool          `xml:"IsTruncated"`
	Contents    []listContent `xml:"Contents"`
}

// list returns every key under prefix in one page and leaves nested
// keys in, like a listing without a delimiter.
func (f *fakeServer) list(w http.ResponseWriter, prefix string) {
	res := listResult{Name: f.bucket, Prefix: prefix, MaxKeys: 1000}
	for k, o := range f.objects {
		if !strings.HasPrefix(k, prefix) {
			continue
		}
		res.Contents = append(res.Contents, listContent{
			Key:          k,
			LastModified: o.modified.UTC().Format("2006-01-02T15:04:05.000Z"),
			ETag:         `"etag"`,
			Size:         len(o.data),
			StorageClass: "STANDARD",
		})
	}
	sort.Slice(res.Contents, func(i, j int) bool { return res.Contents[i].Key < res.Contents[j].Key })
	res.KeyCount = len(res.Contents)

	w.Header().Set("Content-Type", "application/xml")
	xml.NewEncoder(w).Encode(res)
}

// readBody returns the payload of a PUT, decoding aws-chunked uploads.
func readBody(r *http.Request) ([]byte, error) {
	if !strings.HasPrefix(r.Header.Get("X-Amz-Content-Sha256"), "STREAMING-") {
		return io.ReadAll(r.Body)
	}

	var out bytes.Buffer
	br := bufio.NewReader(r.Body)
	for {
		line, err := br.ReadString('\n')
		if err != nil {
			return nil, err
		}
		sizeHex, _, _ := strings.Cut(strings.TrimSpace(line), ";")
		size, err := strconv.ParseInt(sizeHex, 16, 64)
		if err != nil {
			return nil, err
		}
		if size == 0 {
			return out.Bytes(), nil
		}
		if _, err := io.CopyN(&out, br, size); err != nil {
			return nil, err
		}
		if _, err := br.ReadString('\n'); err != nil {
			return nil, err
		}
	}
}

func writeS3Error(w http.ResponseWriter, status int, code string) {
	w.Header().Set("Content-Type", "application/xml")
	w.WriteHeader(status)
	fmt.Fprintf(w, `<Error><Code>%s</Code><Message>fake</Message></Error>`, code)
}

func setupStore(t *testing.T) (*Store, *fakeServer) {
	t.Helper()

	fake := newFakeServer("sync")
	server := httptest.NewServer(fake)
	t.Cleanup(server.Close)

	s, err := New(config.MinioConfig{
		Endpoint:        strings.TrimPrefix(server.URL, "http://"),
		AccessKeyID:     "access",
		SecretAccessKey: "secret",
		Bucket:          "sync",
		Region:          "us-east-1",
	})
	require.NoError(t, err)
	return s, fake
}

func TestRoundTrip(t *testing.T) {
	s, fake := setupStore(t)
	ctx := context.Background()

	require.NoError(t, s.EnsureAuthenticated(ctx))
	assert.True(t, fake.bucketCreated(), "bucket is created on first use")
	require.NoError(t, s.EnsureAuthenticated(ctx))

	_, found, err := s.FolderExists(ctx, "app", "")
	require.NoError(t, err)
	assert.False(t, found)

	app, err := s.CreateFolder(ctx, "app", "")
	require.NoError(t, err)
	id, found, err := s.FolderExists(ctx, "app", "")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, app, id)

	orders, err := s.CreateFolder(ctx, "orders", app)
	require.NoError(t, err)
	assert.Equal(t, "app/orders/", string(orders))

	first, err := s.UploadFile(ctx, strings.NewReader(`{"id":7,"sync_updated":100}`), "7.json", orders)
	require.NoError(t, err)
	_, err = s.UploadFile(ctx, strings.NewReader(`{"id":8,"sync_updated":100}`), "8.json", orders)
	require.NoError(t, err)
	_, err = s.UploadFile(ctx, strings.NewReader(`{"id":7,"sync_updated":200}`), "7.json", orders)
	require.NoError(t, err)

	fileID, found, err := s.FileExists(ctx, "7.json", orders)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, first, fileID)

	var buf bytes.Buffer
	require.NoError(t, s.DownloadFile(ctx, fileID, &buf))
	assert.JSONEq(t, `{"id":7,"sync_updated":200}`, buf.String())

	files, err := s.ListFilesModifiedAfter(ctx, orders, time.Date(2024, 1, 1, 0, 0, 3, 0, time.UTC))
	require.NoError(t, err)
	require.Len(t, files, 2)
	assert.Equal(t, "8.json", files[0].Name)
	assert.Equal(t, "7.json", files[1].Name)

	require.NoError(t, s.DeleteFile(ctx, fileID))
	_, found, err = s.FileExists(ctx, "7.json", orders)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestKeys(t *testing.T) {
	assert.Equal(t, "app/", folderKey("app", ""))
	assert.Equal(t, "app/orders/", folderKey("orders", "app/"))
	assert.Equal(t, "app/orders/7.json", fileKey("7.json", "app/orders/"))
}

func TestToFileInfo(t *testing.T) {
	since := time.Unix(100, 0)

	info, ok := toFileInfo("app/orders/", "app/orders/7.json", time.Unix(150, 0), since)
	require.True(t, ok)
	assert.Equal(t, "7.json", info.Name)
	assert.Equal(t, "app/orders/7.json", string(info.ID))

	_, ok = toFileInfo("app/orders/", "app/orders/", time.Unix(150, 0), since)
	assert.False(t, ok, "folder marker")
	_, ok = toFileInfo("app/orders/", "app/orders/sub/", time.Unix(150, 0), since)
	assert.False(t, ok, "nested folder")
	_, ok = toFileInfo("app/orders/", "app/orders/7.json", time.Unix(100, 0), since)
	assert.False(t, ok, "not newer")
}

func TestClassify(t *testing.T) {
	err := classify("op", minio.ErrorResponse{StatusCode: 403, Code: "AccessDenied"}, syncerr.Internal)
	assert.True(t, syncerr.Is(err, syncerr.Authentication))

	err = classify("op", minio.ErrorResponse{StatusCode: 503, Code: "SlowDown"}, syncerr.Internal)
	assert.True(t, syncerr.Is(err, syncerr.TransientNetwork))

	err = classify("op", minio.ErrorResponse{StatusCode: 400, Code: "InvalidArgument"}, syncerr.FolderResolution)
	assert.True(t, syncerr.Is(err, syncerr.FolderResolution))

	err = classify("op", errors.New("boom"), syncerr.Internal)
	assert.True(t, syncerr.Is(err, syncerr.Internal))
}

func TestNewValidates(t *testing.T) {
	_, err := New(config.MinioConfig{Endpoint: "localhost:9000"})
	assert.Error(t, err)

	s, err := New(config.MinioConfig{Endpoint: "localhost:9000", Bucket: "sync"})
	require.NoError(t, err)
	assert.Equal(t, "sync", s.bucket)
}
