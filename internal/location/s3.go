package location

import (
	"archive/zip"
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/jward/kiln/internal/classpath"
	"github.com/jward/kiln/internal/config"
	"github.com/jward/kiln/internal/store"
)

// ObjectAPI is the subset of the S3 client used to fetch archives.
type ObjectAPI interface {
	HeadObject(ctx context.Context, in *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// NewS3Client builds an S3 client from configuration. Explicit credentials
// take precedence over the default credential chain; an endpoint enables
// S3-compatible stores such as MinIO.
func NewS3Client(ctx context.Context, cfg config.S3) (*s3.Client, error) {
	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}
	loadOpts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(region)}
	if cfg.AccessKeyID != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("location: loading aws config: %w", err)
	}
	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = cfg.PathStyle
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	}), nil
}

// ParseS3URI splits s3://bucket/key into its parts.
func ParseS3URI(uri string) (bucket, key string, err error) {
	rest, ok := strings.CutPrefix(uri, "s3://")
	if !ok {
		return "", "", fmt.Errorf("location: %q is not an s3:// URI", uri)
	}
	bucket, key, _ = strings.Cut(rest, "/")
	if bucket == "" || key == "" {
		return "", "", fmt.Errorf("location: %q needs both bucket and key", uri)
	}
	return bucket, key, nil
}

// S3Archive is a zip archive of a plugin directory stored in S3. It is
// extracted below a cache directory; the ledger remembers the extracted ETag
// so unchanged archives are not downloaded again.
type S3Archive struct {
	client   ObjectAPI
	bucket   string
	key      string
	cacheDir string
	ledger   *store.Store
	logger   *slog.Logger
}

var _ classpath.Location = (*S3Archive)(nil)

// S3Option configures an S3Archive.
type S3Option func(*S3Archive)

// WithLedger records fetches in ledger.
func WithLedger(ledger *store.Store) S3Option {
	return func(a *S3Archive) { a.ledger = ledger }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) S3Option {
	return func(a *S3Archive) { a.logger = logger }
}

// NewS3Archive returns a location for s3://bucket/key extracted below
// cacheDir.
func NewS3Archive(client ObjectAPI, bucket, key, cacheDir string, opts ...S3Option) *S3Archive {
	a := &S3Archive{
		client:   client,
		bucket:   bucket,
		key:      key,
		cacheDir: cacheDir,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Identifier returns the s3:// URI of the archive.
func (a *S3Archive) Identifier() string {
	return "s3://" + a.bucket + "/" + a.key
}

// Directory returns the extraction directory: the cache directory, the
// bucket and a digest of the key. The cache directory is created so that its
// normalized form is stable before and after the first extraction.
func (a *S3Archive) Directory() (string, error) {
	if err := os.MkdirAll(a.cacheDir, 0o755); err != nil {
		return "", fmt.Errorf("location: creating cache dir: %w", err)
	}
	base, err := Normalize(a.cacheDir)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256([]byte(a.key))
	name := strings.TrimSuffix(path.Base(a.key), ".zip") + "-" + hex.EncodeToString(sum[:8])
	return filepath.Join(base, "s3", a.bucket, name), nil
}

// Fetch downloads and extracts the archive into dir unless the ledger shows
// the same ETag was already extracted there. Extraction happens under an
// exclusive lock on the directory.
func (a *S3Archive) Fetch(ctx context.Context, dir string) error {
	uri := a.Identifier()
	head, err := a.client.HeadObject(ctx, &s3.HeadObjectInput{Bucket: &a.bucket, Key: &a.key})
	if err != nil {
		return &FetchError{Location: uri, Err: err}
	}
	etag := aws.ToString(head.ETag)

	if a.upToDate(uri, dir, etag) {
		a.logger.Debug("Archive already extracted.", "location", uri, "etag", etag)
		return nil
	}

	lock, err := lockDir(ctx, dir, true)
	if err != nil {
		return &FetchError{Location: uri, Err: err}
	}
	defer lock.Close()

	out, err := a.client.GetObject(ctx, &s3.GetObjectInput{Bucket: &a.bucket, Key: &a.key})
	if err != nil {
		return &FetchError{Location: uri, Err: err}
	}
	defer out.Body.Close()
	data, err := io.ReadAll(out.Body)
	if err != nil {
		return &FetchError{Location: uri, Err: err}
	}
	if out.ETag != nil {
		etag = aws.ToString(out.ETag)
	}

	if err := clearDir(dir); err != nil {
		return &FetchError{Location: uri, Err: err}
	}
	if err := extractZip(data, dir); err != nil {
		return &FetchError{Location: uri, Err: err}
	}

	sum := sha256.Sum256(data)
	if a.ledger != nil {
		err := a.ledger.RecordFetch(&store.Fetch{
			Location:    uri,
			Directory:   dir,
			ETag:        etag,
			ContentHash: hex.EncodeToString(sum[:]),
			Size:        int64(len(data)),
			FetchedAt:   time.Now(),
		})
		if err != nil {
			a.logger.Warn("Recording fetch failed.", "location", uri, "error", err)
		}
	}
	a.logger.Info("Archive extracted.", "location", uri, "dir", dir, "etag", etag, "bytes", len(data))
	return nil
}

func (a *S3Archive) upToDate(uri, dir, etag string) bool {
	if a.ledger == nil || etag == "" {
		return false
	}
	f, err := a.ledger.LookupFetch(uri)
	if err != nil {
		a.logger.Warn("Ledger lookup failed.", "location", uri, "error", err)
		return false
	}
	if f == nil || f.ETag != etag || f.Directory != dir {
		return false
	}
	info, err := os.Stat(dir)
	return err == nil && info.IsDir()
}

// clearDir removes everything in dir except the lock file.
func clearDir(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if e.Name() == LockFile {
			continue
		}
		if err := os.RemoveAll(filepath.Join(dir, e.Name())); err != nil {
			return err
		}
	}
	return nil
}

var errUnsafePath = errors.New("archive entry escapes the target directory")

func extractZip(data []byte, dir string) error {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if errors.Is(err, zip.ErrInsecurePath) {
		return fmt.Errorf("%w: %v", errUnsafePath, err)
	}
	if err != nil {
		return fmt.Errorf("reading zip: %w", err)
	}
	for _, zf := range zr.File {
		name := path.Clean(zf.Name)
		if path.IsAbs(name) || name == ".." || strings.HasPrefix(name, "../") {
			return fmt.Errorf("%w: %s", errUnsafePath, zf.Name)
		}
		if name == LockFile {
			continue
		}
		target := filepath.Join(dir, filepath.FromSlash(name))
		if zf.FileInfo().IsDir() {
			if err := os.MkdirAll(target, 0o755); err != nil {
				return err
			}
			continue
		}
		if err := extractFile(zf, target); err != nil {
			return err
		}
	}
	return nil
}

func extractFile(zf *zip.File, target string) error {
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return err
	}
	rc, err := zf.Open()
	if err != nil {
		return fmt.Errorf("opening %s: %w", zf.Name, err)
	}
	defer rc.Close()
	f, err := os.OpenFile(target, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(f, rc); err != nil {
		f.Close()
		return fmt.Errorf("writing %s: %w", target, err)
	}
	return f.Close()
}
