// Package source resolves the --data-path of a run into a local corpus directory.
//
// Local paths are used as they are. An s3://bucket/prefix path is mirrored into a fresh scratch
// directory first: every object under the prefix is downloaded, named by its key relative to
// the prefix.
package source

import (
	"context"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/request"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/pkg/errors"
	"github.com/tweetgen/tweetgen/dataset"
	"github.com/tweetgen/tweetgen/internal/files"
	"k8s.io/klog/v2"
)

// S3Scheme prefixes remote data paths.
const S3Scheme = "s3://"

// S3API is the subset of the S3 client used to mirror a prefix. *s3.S3 implements it.
type S3API interface {
	ListObjectsV2PagesWithContext(ctx aws.Context, input *s3.ListObjectsV2Input,
		fn func(*s3.ListObjectsV2Output, bool) bool, opts ...request.Option) error
	GetObjectWithContext(ctx aws.Context, input *s3.GetObjectInput, opts ...request.Option) (*s3.GetObjectOutput, error)
}

var _ S3API = (*s3.S3)(nil)

// Options configure Resolve. The zero value is usable.
type Options struct {
	// ScratchDir is the parent of the mirror directory. Defaults to os.TempDir().
	ScratchDir string

	// Client is used for s3:// paths. If nil, one is created from the default AWS session,
	// using Endpoint and Region when set.
	Client   S3API
	Endpoint string
	Region   string

	// Logger defaults to klog.Background().
	Logger klog.Logger
}

// Resolved is a local corpus directory.
type Resolved struct {
	// Dir holds the corpus files.
	Dir string

	// Remote is the original s3:// path, empty for local paths.
	Remote string

	// NumObjects downloaded for a remote path.
	NumObjects int

	cleanup func() error
}

// Cleanup removes the scratch directory of a mirrored path. It is a no-op for local paths,
// and safe to call more than once.
func (r *Resolved) Cleanup() error {
	if r == nil || r.cleanup == nil {
		return nil
	}
	fn := r.cleanup
	r.cleanup = nil
	return fn()
}

// IsRemote returns whether path should be mirrored from S3.
func IsRemote(path string) bool {
	return strings.HasPrefix(path, S3Scheme)
}

// ParseS3URL splits an s3://bucket/path URL into its bucket and key prefix.
// A non-empty prefix always ends with "/", so s3://b/data and s3://b/data/ both select the
// objects under data/. The bucket root gives an empty prefix.
func ParseS3URL(rawURL string) (bucket, prefix string, err error) {
	if !IsRemote(rawURL) {
		return "", "", errors.Errorf("%q is not an %s URL", rawURL, S3Scheme)
	}
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return "", "", errors.Wrapf(err, "invalid S3 URL %q", rawURL)
	}
	if parsed.Host == "" {
		return "", "", errors.Errorf("S3 URL %q has no bucket", rawURL)
	}
	prefix = strings.TrimLeft(parsed.Path, "/")
	if prefix != "" && !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	return parsed.Host, prefix, nil
}

// Resolve returns the local directory for path, mirroring it first if it is an s3:// URL.
// On error nothing is left behind in the scratch directory.
func Resolve(ctx context.Context, path string, opts Options) (*Resolved, error) {
	logger := opts.Logger
	if logger.GetSink() == nil {
		logger = klog.Background()
	}
	if !IsRemote(path) {
		dir := files.ReplaceTildeInDir(path)
		if !files.IsDir(dir) {
			return nil, &dataset.ConfigurationError{Path: path, Reason: "not an existing directory"}
		}
		return &Resolved{Dir: dir}, nil
	}

	bucket, prefix, err := ParseS3URL(path)
	if err != nil {
		return nil, err
	}
	client := opts.Client
	if client == nil {
		client, err = newS3Client(opts.Endpoint, opts.Region)
		if err != nil {
			return nil, err
		}
	}

	dir, err := os.MkdirTemp(opts.ScratchDir, "tweetgen-data-*")
	if err != nil {
		return nil, errors.Wrap(err, "failed to create scratch directory")
	}
	resolved := &Resolved{
		Dir:    dir,
		Remote: path,
		cleanup: func() error {
			return errors.Wrapf(os.RemoveAll(dir), "failed to remove %s", dir)
		},
	}
	logger.Info("Downloading S3 path", "path", path, "dir", dir)
	resolved.NumObjects, err = mirror(ctx, client, bucket, prefix, dir, logger)
	if err != nil {
		_ = resolved.Cleanup()
		return nil, errors.WithMessagef(err, "mirroring %s", path)
	}
	logger.Info("Downloaded S3 path", "path", path, "objects", resolved.NumObjects)
	return resolved, nil
}

func newS3Client(endpoint, region string) (*s3.S3, error) {
	cfg := aws.Config{}
	if endpoint != "" {
		cfg.Endpoint = aws.String(endpoint)
		cfg.S3ForcePathStyle = aws.Bool(true)
	}
	if region != "" {
		cfg.Region = aws.String(region)
	}
	sess, err := session.NewSessionWithOptions(session.Options{
		Config:            cfg,
		SharedConfigState: session.SharedConfigEnable,
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to create AWS session")
	}
	return s3.New(sess), nil
}

// mirror downloads every object under prefix into dir, and returns how many were downloaded.
func mirror(ctx context.Context, client S3API, bucket, prefix, dir string, logger klog.Logger) (int, error) {
	var keys []string
	input := &s3.ListObjectsV2Input{
		Bucket: aws.String(bucket),
		Prefix: aws.String(prefix),
	}
	err := client.ListObjectsV2PagesWithContext(ctx, input, func(page *s3.ListObjectsV2Output, _ bool) bool {
		for _, object := range page.Contents {
			keys = append(keys, aws.StringValue(object.Key))
		}
		return true
	})
	if err != nil {
		return 0, errors.Wrapf(err, "failed to list s3://%s/%s", bucket, prefix)
	}

	var count int
	for _, key := range keys {
		name, ok := localName(key, prefix)
		if !ok {
			continue
		}
		logger.V(1).Info("Downloading", "key", key)
		if err := download(ctx, client, bucket, key, filepath.Join(dir, name)); err != nil {
			return count, err
		}
		count++
	}
	return count, nil
}

// localName is the path of key relative to prefix. The prefix placeholder itself and other
// "directory" keys are skipped, as are keys that would escape the mirror directory.
func localName(key, prefix string) (string, bool) {
	if key == prefix || !strings.HasPrefix(key, prefix) || strings.HasSuffix(key, "/") {
		return "", false
	}
	name := filepath.FromSlash(key[len(prefix):])
	if !filepath.IsLocal(name) {
		return "", false
	}
	return name, true
}

func download(ctx context.Context, client S3API, bucket, key, path string) error {
	out, err := client.GetObjectWithContext(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return errors.Wrapf(err, "failed to get s3://%s/%s", bucket, key)
	}
	defer out.Body.Close()

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return errors.Wrapf(err, "failed to create directory for %s", path)
	}
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrapf(err, "failed to create %s", path)
	}
	if _, err := io.Copy(f, out.Body); err != nil {
		_ = f.Close()
		return errors.Wrapf(err, "failed to download s3://%s/%s", bucket, key)
	}
	return errors.Wrapf(f.Close(), "failed to write %s", path)
}
