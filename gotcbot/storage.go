package gotcbot

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"path"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

const (
	s3UploadTimeout = 2 * time.Minute
	s3ListTimeout   = 30 * time.Second
)

// ObjectStore stores generated images and serves diagram assets
type ObjectStore interface {
	// Upload stores data at key, returning its public URL
	Upload(ctx context.Context, key string, data []byte, contentType string) (string, error)

	// List returns all keys under prefix
	List(ctx context.Context, prefix string) ([]string, error)

	// URL returns the public URL for key
	URL(key string) string
}

// S3Store is an ObjectStore backed by an S3 bucket
type S3Store struct {
	client  *s3.Client
	bucket  string
	region  string
	baseURL string
}

// NewS3Store connects to the configured bucket. Static credentials are
// used when both keys are set, otherwise the default AWS credential chain.
func NewS3Store(ctx context.Context, cfg *StorageConfig) (*S3Store, error) {
	if cfg.Bucket == "" {
		return nil, &ConfigError{Field: "storage.bucket", Err: errMissingCredential}
	}
	if cfg.Region == "" {
		return nil, &ConfigError{Field: "storage.region", Err: errMissingCredential}
	}

	opts := []func(*config.LoadOptions) error{config.WithRegion(cfg.Region)}
	if cfg.AccessKey != "" && cfg.SecretKey != "" {
		opts = append(
			opts,
			config.WithCredentialsProvider(
				credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
			),
		)
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(
		awsCfg, func(o *s3.Options) {
			if cfg.Endpoint != "" {
				o.BaseEndpoint = aws.String(cfg.Endpoint)
				o.UsePathStyle = true
			}
		},
	)

	baseURL := strings.TrimSuffix(cfg.PublicBaseURL, "/")
	if baseURL == "" {
		baseURL = fmt.Sprintf("https://%s.s3.%s.amazonaws.com", cfg.Bucket, cfg.Region)
	}
	return &S3Store{
		client:  client,
		bucket:  cfg.Bucket,
		region:  cfg.Region,
		baseURL: baseURL,
	}, nil
}

func (c *S3Store) Upload(
	ctx context.Context,
	key string,
	data []byte,
	contentType string,
) (string, error) {
	uploader := manager.NewUploader(c.client)

	ctxUpload, cancel := context.WithTimeout(ctx, s3UploadTimeout)
	defer cancel()

	_, err := uploader.Upload(
		ctxUpload, &s3.PutObjectInput{
			Bucket:      aws.String(c.bucket),
			Key:         aws.String(key),
			Body:        bytes.NewReader(data),
			ContentType: aws.String(contentType),
		},
	)
	if err != nil {
		return "", &UpstreamError{Service: "s3", Err: fmt.Errorf("upload failed: %w", err)}
	}
	return c.URL(key), nil
}

func (c *S3Store) List(ctx context.Context, prefix string) ([]string, error) {
	ctxList, cancel := context.WithTimeout(ctx, s3ListTimeout)
	defer cancel()

	var keys []string
	paginator := s3.NewListObjectsV2Paginator(
		c.client, &s3.ListObjectsV2Input{
			Bucket: aws.String(c.bucket),
			Prefix: aws.String(prefix),
		},
	)
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctxList)
		if err != nil {
			return nil, &UpstreamError{Service: "s3", Err: fmt.Errorf("list failed: %w", err)}
		}
		for _, obj := range page.Contents {
			keys = append(keys, aws.ToString(obj.Key))
		}
	}
	return keys, nil
}

func (c *S3Store) URL(key string) string {
	return objectURL(c.baseURL, key)
}

func objectURL(baseURL string, key string) string {
	segments := strings.Split(key, "/")
	for i, s := range segments {
		segments[i] = url.PathEscape(s)
	}
	return strings.TrimSuffix(baseURL, "/") + "/" + strings.Join(segments, "/")
}

// Asset is a named diagram. Single-image assets have one link carrying
// the asset version, directory assets have a link per image.
type Asset struct {
	Name  string
	Links []string
}

// AssetCatalog maps `!name` commands to diagram images stored under a
// prefix in the ObjectStore. The bucket listing is cached for ttl.
type AssetCatalog struct {
	store   ObjectStore
	prefix  string
	version string
	ttl     time.Duration
	now     func() time.Time
	logger  *slog.Logger

	mu       sync.Mutex
	assets   map[string]Asset
	loadedAt time.Time
}

func NewAssetCatalog(
	store ObjectStore,
	prefix string,
	version string,
	ttl time.Duration,
	logger *slog.Logger,
) *AssetCatalog {
	if logger == nil {
		logger = slog.Default()
	}
	return &AssetCatalog{
		store:   store,
		prefix:  prefix,
		version: version,
		ttl:     ttl,
		now:     time.Now,
		logger:  logger.With(loggerNameKey, "assets"),
	}
}

// Lookup returns the asset named name, and false if there isn't one
func (a *AssetCatalog) Lookup(ctx context.Context, name string) (Asset, bool, error) {
	assets, err := a.load(ctx)
	if err != nil {
		return Asset{}, false, err
	}
	asset, ok := assets[strings.ToLower(name)]
	return asset, ok, nil
}

// Names returns the sorted asset names
func (a *AssetCatalog) Names(ctx context.Context) ([]string, error) {
	assets, err := a.load(ctx)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(assets))
	for name := range assets {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

func (a *AssetCatalog) load(ctx context.Context) (map[string]Asset, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.assets != nil && a.now().Sub(a.loadedAt) < a.ttl {
		return a.assets, nil
	}
	keys, err := a.store.List(ctx, a.prefix)
	if err != nil {
		if a.assets != nil {
			a.logger.WarnContext(ctx, "asset listing failed, using cached listing", "error", err)
			return a.assets, nil
		}
		return nil, err
	}
	a.assets = a.buildAssets(keys)
	a.loadedAt = a.now()
	return a.assets, nil
}

func (a *AssetCatalog) buildAssets(keys []string) map[string]Asset {
	sort.Strings(keys)
	assets := map[string]Asset{}
	for _, key := range keys {
		rel := strings.TrimPrefix(key, a.prefix)
		if rel == "" || strings.HasSuffix(rel, "/") {
			continue
		}
		if !imageExtensions[strings.ToLower(path.Ext(rel))] {
			continue
		}

		dir, file := path.Split(rel)
		if dir == "" {
			name := strings.ToLower(strings.TrimSuffix(file, path.Ext(file)))
			link := a.store.URL(key)
			if a.version != "" {
				link += "?v=" + url.QueryEscape(a.version)
			}
			assets[name] = Asset{Name: name, Links: []string{link}}
			continue
		}

		name := strings.ToLower(strings.SplitN(dir, "/", 2)[0])
		asset := assets[name]
		asset.Name = name
		asset.Links = append(asset.Links, a.store.URL(key))
		assets[name] = asset
	}
	return assets
}
