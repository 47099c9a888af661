package catalog

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"packaging-coordinator/internal/config"
)

// ErrManifestNotFound is returned when no manifest exists at a key.
var ErrManifestNotFound = errors.New("manifest not found")

// Source reads a winget-style manifest tree. Keys use forward slashes and
// are relative to the source root.
type Source interface {
	Get(ctx context.Context, key string) ([]byte, error)
	// ListDirs returns the names of the immediate subdirectories of prefix.
	ListDirs(ctx context.Context, prefix string) ([]string, error)
}

// NewSource returns an S3 source when a bucket is configured and a local
// directory source otherwise.
func NewSource(ctx context.Context, cfg config.CatalogConfig) (Source, error) {
	if cfg.S3Bucket == "" {
		return &DirSource{Root: cfg.Dir}, nil
	}
	return NewS3Source(ctx, cfg)
}

// DirSource serves manifests from a local directory.
type DirSource struct {
	Root string
}

// resolve maps key under Root; cleaning against "/" keeps it from escaping.
func (d *DirSource) resolve(key string) string {
	clean := path.Clean("/" + key)
	return filepath.Join(d.Root, filepath.FromSlash(strings.TrimPrefix(clean, "/")))
}

func (d *DirSource) Get(_ context.Context, key string) ([]byte, error) {
	body, err := os.ReadFile(d.resolve(key))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%s: %w", key, ErrManifestNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	return body, nil
}

func (d *DirSource) ListDirs(_ context.Context, prefix string) ([]string, error) {
	entries, err := os.ReadDir(d.resolve(prefix))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("list manifests: %w", err)
	}
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			out = append(out, e.Name())
		}
	}
	return out, nil
}

// S3Source serves manifests from an S3 (or S3-compatible) bucket.
type S3Source struct {
	client *s3.Client
	bucket string
	prefix string
}

// NewS3Source builds the client from the default AWS credential chain.
func NewS3Source(ctx context.Context, cfg config.CatalogConfig) (*S3Source, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.S3Region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.S3Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.S3Endpoint)
		}
		o.UsePathStyle = cfg.S3PathStyle
	})
	return &S3Source{client: client, bucket: cfg.S3Bucket, prefix: strings.Trim(cfg.S3Prefix, "/")}, nil
}

func (s *S3Source) key(k string) string {
	k = strings.TrimPrefix(k, "/")
	if s.prefix == "" {
		return k
	}
	return s.prefix + "/" + k
}

func (s *S3Source) Get(ctx context.Context, key string) ([]byte, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(key)),
	})
	if err != nil {
		var nsk *types.NoSuchKey
		if errors.As(err, &nsk) {
			return nil, fmt.Errorf("%s: %w", key, ErrManifestNotFound)
		}
		return nil, fmt.Errorf("get object: %w", err)
	}
	defer out.Body.Close()
	body, err := io.ReadAll(io.LimitReader(out.Body, maxManifestBytes))
	if err != nil {
		return nil, fmt.Errorf("read object: %w", err)
	}
	return body, nil
}

func (s *S3Source) ListDirs(ctx context.Context, prefix string) ([]string, error) {
	full := strings.TrimSuffix(s.key(prefix), "/") + "/"
	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket:    aws.String(s.bucket),
		Prefix:    aws.String(full),
		Delimiter: aws.String("/"),
	})
	var out []string
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("list objects: %w", err)
		}
		for _, cp := range page.CommonPrefixes {
			name := strings.TrimSuffix(strings.TrimPrefix(aws.ToString(cp.Prefix), full), "/")
			if name != "" {
				out = append(out, name)
			}
		}
	}
	return out, nil
}
