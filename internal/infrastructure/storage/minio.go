// Package storage implements repository.ObjectStorage against an
// S3-compatible backend via MinIO's client.
package storage

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/nebula-systems/nebula/internal/domain/repository"
)

// objectReader abstracts minio.Object for testability. *minio.Object
// satisfies this interface.
type objectReader interface {
	io.ReadCloser
	Stat() (minio.ObjectInfo, error)
}

// minioClient defines the subset of MinIO operations this package depends
// on, so tests can substitute a fake without a live server.
type minioClient interface {
	MakeBucket(ctx context.Context, bucketName string, opts minio.MakeBucketOptions) error
	BucketExists(ctx context.Context, bucketName string) (bool, error)
	PresignedPutObject(ctx context.Context, bucketName, objectName string, expiry time.Duration) (*url.URL, error)
	PresignedGetObject(ctx context.Context, bucketName, objectName string, expiry time.Duration, reqParams url.Values) (*url.URL, error)
	PutObject(ctx context.Context, bucketName, objectName string, reader io.Reader, objectSize int64, opts minio.PutObjectOptions) (minio.UploadInfo, error)
	GetObject(ctx context.Context, bucketName, objectName string, opts minio.GetObjectOptions) (objectReader, error)
	RemoveObject(ctx context.Context, bucketName, objectName string, opts minio.RemoveObjectOptions) error
	StatObject(ctx context.Context, bucketName, objectName string, opts minio.StatObjectOptions) (minio.ObjectInfo, error)
}

// minioClientAdapter wraps *minio.Client to satisfy minioClient: GetObject
// returns *minio.Object, but the interface returns objectReader for
// testability.
type minioClientAdapter struct {
	client *minio.Client
}

func (a *minioClientAdapter) MakeBucket(ctx context.Context, bucketName string, opts minio.MakeBucketOptions) error {
	return a.client.MakeBucket(ctx, bucketName, opts)
}

func (a *minioClientAdapter) BucketExists(ctx context.Context, bucketName string) (bool, error) {
	return a.client.BucketExists(ctx, bucketName)
}

func (a *minioClientAdapter) PresignedPutObject(ctx context.Context, bucketName, objectName string, expiry time.Duration) (*url.URL, error) {
	return a.client.PresignedPutObject(ctx, bucketName, objectName, expiry)
}

func (a *minioClientAdapter) PresignedGetObject(ctx context.Context, bucketName, objectName string, expiry time.Duration, reqParams url.Values) (*url.URL, error) {
	return a.client.PresignedGetObject(ctx, bucketName, objectName, expiry, reqParams)
}

func (a *minioClientAdapter) PutObject(ctx context.Context, bucketName, objectName string, reader io.Reader, objectSize int64, opts minio.PutObjectOptions) (minio.UploadInfo, error) {
	return a.client.PutObject(ctx, bucketName, objectName, reader, objectSize, opts)
}

func (a *minioClientAdapter) GetObject(ctx context.Context, bucketName, objectName string, opts minio.GetObjectOptions) (objectReader, error) {
	return a.client.GetObject(ctx, bucketName, objectName, opts)
}

func (a *minioClientAdapter) RemoveObject(ctx context.Context, bucketName, objectName string, opts minio.RemoveObjectOptions) error {
	return a.client.RemoveObject(ctx, bucketName, objectName, opts)
}

func (a *minioClientAdapter) StatObject(ctx context.Context, bucketName, objectName string, opts minio.StatObjectOptions) (minio.ObjectInfo, error) {
	return a.client.StatObject(ctx, bucketName, objectName, opts)
}

// ClientConfig holds configuration for the object store client, including
// the HTTP pool/retry tuning and the presign endpoint set.
type ClientConfig struct {
	Endpoint  string // internal, data-plane endpoint
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool

	// PresignEndpoint, if set, is used for every presigned URL regardless
	// of network hint. Takes priority over Local/Remote below.
	PresignEndpoint string
	// PresignEndpointLocal/PresignEndpointRemote back the "local"/"remote"
	// network hints. If neither is set, presign falls back to Endpoint.
	PresignEndpointLocal  string
	PresignEndpointRemote string
	// PresignRegion is fixed at construction so presigning never triggers
	// a bucket-location round trip.
	PresignRegion string

	HTTPPoolMaxSize     int
	HTTPConnectTimeout  time.Duration
	HTTPReadTimeout     time.Duration
	HTTPTotalRetries    int
	HTTPBackoffFactor   float64
}

// DefaultClientConfig returns a ClientConfig with the defaults specified
// for the object store's HTTP transport.
func DefaultClientConfig(endpoint, accessKey, secretKey, bucket string) ClientConfig {
	return ClientConfig{
		Endpoint:            endpoint,
		AccessKey:           accessKey,
		SecretKey:           secretKey,
		Bucket:              bucket,
		PresignRegion:       "us-east-1",
		HTTPPoolMaxSize:     32,
		HTTPConnectTimeout:  5 * time.Second,
		HTTPReadTimeout:     60 * time.Second,
		HTTPTotalRetries:    3,
		HTTPBackoffFactor:   0.2,
	}
}

// Client wraps a data-plane MinIO client, implementing
// repository.ObjectStorage. Presigning uses one extra signer client per
// distinct presign endpoint (PresignEndpoint, or the local and remote
// endpoints); when the resolved endpoint is the data-plane one, the
// data-plane client signs.
type Client struct {
	client minioClient
	bucket string
	cfg    ClientConfig

	// presignClients is a cache of signer clients keyed by endpoint, built
	// lazily so an endpoint that's never selected never pays for a
	// connection.
	presignClients map[string]minioClient
}

var _ repository.ObjectStorage = (*Client)(nil)

// NewClient builds the data-plane MinIO client over a retrying, bounded
// connection pool.
func NewClient(cfg ClientConfig) (*Client, error) {
	transport := newRetryingTransport(cfg)

	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:     credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure:    cfg.UseSSL,
		Region:    cfg.PresignRegion,
		Transport: transport,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create object store client: %w", err)
	}

	c := &Client{
		client:         &minioClientAdapter{client: client},
		bucket:         cfg.Bucket,
		cfg:            cfg,
		presignClients: make(map[string]minioClient),
	}
	return c, nil
}

// EnsureBucket idempotently creates the bucket if it doesn't exist.
func (c *Client) EnsureBucket(ctx context.Context) error {
	exists, err := c.client.BucketExists(ctx, c.bucket)
	if err != nil {
		return fmt.Errorf("failed to check bucket existence: %w", err)
	}
	if exists {
		return nil
	}
	if err := c.client.MakeBucket(ctx, c.bucket, minio.MakeBucketOptions{Region: c.cfg.PresignRegion}); err != nil {
		return fmt.Errorf("failed to create bucket: %w", err)
	}
	return nil
}

func (c *Client) Put(ctx context.Context, key string, reader io.Reader, size int64, contentType string) error {
	_, err := c.client.PutObject(ctx, c.bucket, key, reader, size, minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		return fmt.Errorf("failed to put object: %w", err)
	}
	return nil
}

func (c *Client) Stat(ctx context.Context, key string) (repository.ObjectInfo, error) {
	info, err := c.client.StatObject(ctx, c.bucket, key, minio.StatObjectOptions{})
	if err != nil {
		if minio.ToErrorResponse(err).Code == "NoSuchKey" {
			return repository.ObjectInfo{}, repository.ErrObjectNotFound
		}
		return repository.ObjectInfo{}, fmt.Errorf("failed to stat object: %w", err)
	}
	return repository.ObjectInfo{
		Key:          key,
		Size:         info.Size,
		ContentType:  info.ContentType,
		ETag:         info.ETag,
		LastModified: info.LastModified,
	}, nil
}

func (c *Client) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	return c.getRange(ctx, key, minio.GetObjectOptions{})
}

func (c *Client) GetRange(ctx context.Context, key string, offset, length int64) (io.ReadCloser, error) {
	opts := minio.GetObjectOptions{}
	if length > 0 {
		if err := opts.SetRange(offset, offset+length-1); err != nil {
			return nil, fmt.Errorf("invalid range: %w", err)
		}
	} else if offset > 0 {
		if err := opts.SetRange(offset, -1); err != nil {
			return nil, fmt.Errorf("invalid range: %w", err)
		}
	}
	return c.getRange(ctx, key, opts)
}

func (c *Client) getRange(ctx context.Context, key string, opts minio.GetObjectOptions) (io.ReadCloser, error) {
	obj, err := c.client.GetObject(ctx, c.bucket, key, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to get object: %w", err)
	}

	// GetObject returns a lazy reader; force the round trip now so a
	// missing key is reported here rather than on first Read.
	if _, err := obj.Stat(); err != nil {
		_ = obj.Close()
		if minio.ToErrorResponse(err).Code == "NoSuchKey" {
			return nil, repository.ErrObjectNotFound
		}
		return nil, fmt.Errorf("failed to stat object: %w", err)
	}

	return obj, nil
}

func (c *Client) Delete(ctx context.Context, key string) error {
	if err := c.client.RemoveObject(ctx, c.bucket, key, minio.RemoveObjectOptions{}); err != nil {
		return fmt.Errorf("failed to delete object: %w", err)
	}
	return nil
}

func (c *Client) PresignPut(ctx context.Context, key string, ttl time.Duration, hint repository.NetworkHint) (string, error) {
	client, err := c.presignClientFor(hint)
	if err != nil {
		return "", err
	}
	u, err := client.PresignedPutObject(ctx, c.bucket, key, ttl)
	if err != nil {
		return "", fmt.Errorf("failed to generate presigned upload url: %w", err)
	}
	return u.String(), nil
}

func (c *Client) PresignGet(ctx context.Context, key string, ttl time.Duration, hint repository.NetworkHint, responseDisposition, responseContentType string) (string, error) {
	client, err := c.presignClientFor(hint)
	if err != nil {
		return "", err
	}
	reqParams := make(url.Values)
	if responseDisposition != "" {
		reqParams.Set("response-content-disposition", responseDisposition)
	}
	if responseContentType != "" {
		reqParams.Set("response-content-type", responseContentType)
	}
	u, err := client.PresignedGetObject(ctx, c.bucket, key, ttl, reqParams)
	if err != nil {
		return "", fmt.Errorf("failed to generate presigned download url: %w", err)
	}
	return u.String(), nil
}

// presignClientFor resolves hint to a signer client, building and caching
// one per distinct endpoint on first use. A single S3_PRESIGN_ENDPOINT
// (if configured) wins regardless of hint; otherwise local/remote hints
// use their dedicated endpoint when set, and "auto" prefers local, then
// remote, then falls back to the internal data-plane client.
func (c *Client) presignClientFor(hint repository.NetworkHint) (minioClient, error) {
	endpoint := c.resolvePresignEndpoint(hint)
	if endpoint == "" || endpoint == c.cfg.Endpoint {
		return c.client, nil
	}

	if cached, ok := c.presignClients[endpoint]; ok {
		return cached, nil
	}

	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(c.cfg.AccessKey, c.cfg.SecretKey, ""),
		Secure: c.cfg.UseSSL,
		Region: c.cfg.PresignRegion,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create presign client for %s: %w", endpoint, err)
	}

	adapter := &minioClientAdapter{client: client}
	c.presignClients[endpoint] = adapter
	return adapter, nil
}

func (c *Client) resolvePresignEndpoint(hint repository.NetworkHint) string {
	if c.cfg.PresignEndpoint != "" {
		return c.cfg.PresignEndpoint
	}
	switch hint {
	case repository.NetworkLocal:
		if c.cfg.PresignEndpointLocal != "" {
			return c.cfg.PresignEndpointLocal
		}
	case repository.NetworkRemote:
		if c.cfg.PresignEndpointRemote != "" {
			return c.cfg.PresignEndpointRemote
		}
	}
	// auto, or a hint whose dedicated endpoint isn't configured
	if c.cfg.PresignEndpointLocal != "" {
		return c.cfg.PresignEndpointLocal
	}
	if c.cfg.PresignEndpointRemote != "" {
		return c.cfg.PresignEndpointRemote
	}
	return c.cfg.Endpoint
}

// Bucket returns the configured bucket name.
func (c *Client) Bucket() string {
	return c.bucket
}
