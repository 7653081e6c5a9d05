package storage

import (
	"context"
	"errors"
	"io"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/minio/minio-go/v7"

	"github.com/nebula-systems/nebula/internal/domain/repository"
)

// fakeMinioClient is a hand-rolled stub of minioClient, substituted through
// the same interface seam minioClientAdapter fills for a live *minio.Client.
type fakeMinioClient struct {
	bucketExists bool
	statErr      error
	stat         minio.ObjectInfo
	getErr       error
	getBody      string

	putCalls  int
	removeErr error

	presignEndpointSeen string
}

func (f *fakeMinioClient) MakeBucket(ctx context.Context, bucketName string, opts minio.MakeBucketOptions) error {
	f.bucketExists = true
	return nil
}

func (f *fakeMinioClient) BucketExists(ctx context.Context, bucketName string) (bool, error) {
	return f.bucketExists, nil
}

func (f *fakeMinioClient) PresignedPutObject(ctx context.Context, bucketName, objectName string, expiry time.Duration) (*url.URL, error) {
	return url.Parse("https://signed.example/" + objectName)
}

func (f *fakeMinioClient) PresignedGetObject(ctx context.Context, bucketName, objectName string, expiry time.Duration, reqParams url.Values) (*url.URL, error) {
	return url.Parse("https://signed.example/" + objectName)
}

func (f *fakeMinioClient) PutObject(ctx context.Context, bucketName, objectName string, reader io.Reader, objectSize int64, opts minio.PutObjectOptions) (minio.UploadInfo, error) {
	f.putCalls++
	return minio.UploadInfo{}, nil
}

func (f *fakeMinioClient) GetObject(ctx context.Context, bucketName, objectName string, opts minio.GetObjectOptions) (objectReader, error) {
	if f.getErr != nil {
		return nil, f.getErr
	}
	return &fakeObjectReader{ReadCloser: io.NopCloser(strings.NewReader(f.getBody)), stat: f.stat, statErr: f.statErr}, nil
}

func (f *fakeMinioClient) RemoveObject(ctx context.Context, bucketName, objectName string, opts minio.RemoveObjectOptions) error {
	return f.removeErr
}

func (f *fakeMinioClient) StatObject(ctx context.Context, bucketName, objectName string, opts minio.StatObjectOptions) (minio.ObjectInfo, error) {
	return f.stat, f.statErr
}

type fakeObjectReader struct {
	io.ReadCloser
	stat    minio.ObjectInfo
	statErr error
}

func (f *fakeObjectReader) Stat() (minio.ObjectInfo, error) {
	return f.stat, f.statErr
}

func newTestClient(fc *fakeMinioClient, cfg ClientConfig) *Client {
	return &Client{
		client:         fc,
		bucket:         cfg.Bucket,
		cfg:            cfg,
		presignClients: make(map[string]minioClient),
	}
}

func TestClient_EnsureBucket_CreatesWhenMissing(t *testing.T) {
	fc := &fakeMinioClient{bucketExists: false}
	c := newTestClient(fc, ClientConfig{Bucket: "nebula"})

	if err := c.EnsureBucket(context.Background()); err != nil {
		t.Fatalf("EnsureBucket: %v", err)
	}
	if !fc.bucketExists {
		t.Error("expected bucket to be created")
	}
}

func TestClient_Stat_NotFound(t *testing.T) {
	fc := &fakeMinioClient{statErr: minio.ErrorResponse{Code: "NoSuchKey"}}
	c := newTestClient(fc, ClientConfig{Bucket: "nebula"})

	_, err := c.Stat(context.Background(), "uploads/missing.bin")
	if !errors.Is(err, repository.ErrObjectNotFound) {
		t.Errorf("expected ErrObjectNotFound, got %v", err)
	}
}

func TestClient_Get_ReturnsBody(t *testing.T) {
	fc := &fakeMinioClient{getBody: "hello", stat: minio.ObjectInfo{Size: 5}}
	c := newTestClient(fc, ClientConfig{Bucket: "nebula"})

	rc, err := c.Get(context.Background(), "uploads/x.bin")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	defer rc.Close()

	body, _ := io.ReadAll(rc)
	if string(body) != "hello" {
		t.Errorf("expected 'hello', got %q", body)
	}
}

func TestClient_PresignPut_ResolvesEndpointByHint(t *testing.T) {
	fc := &fakeMinioClient{}
	c := newTestClient(fc, ClientConfig{
		Bucket:                "nebula",
		Endpoint:              "minio-internal:9000",
		PresignEndpointLocal:  "minio-local:9000",
		PresignEndpointRemote: "minio-public.example.com",
		PresignRegion:         "us-east-1",
	})

	url, err := c.PresignPut(context.Background(), "uploads/2026/07/x.mp4", 15*time.Minute, repository.NetworkLocal)
	if err != nil {
		t.Fatalf("PresignPut: %v", err)
	}
	if url == "" {
		t.Error("expected non-empty presigned url")
	}
	// The local-hint presign client should now be cached against its
	// dedicated endpoint, not the internal data-plane client.
	if _, ok := c.presignClients["minio-local:9000"]; !ok {
		t.Errorf("expected presign client cached for local endpoint, got %+v", c.presignClients)
	}
}

func TestClient_Delete_Idempotent(t *testing.T) {
	fc := &fakeMinioClient{}
	c := newTestClient(fc, ClientConfig{Bucket: "nebula"})

	if err := c.Delete(context.Background(), "uploads/gone.bin"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
}
