package target

import (
	"context"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path"
	"strings"

	"github.com/BadgerOps/nightsync/internal/checksum"
	"github.com/BadgerOps/nightsync/internal/fault"
	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// S3API is the subset of the S3 client used by ObjectStore.
type S3API interface {
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

var _ S3API = &s3.Client{}

// S3Config describes a bucket.
type S3Config struct {
	Bucket          string
	Prefix          string
	Region          string
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
}

// NewS3Client builds an S3 client from the default AWS configuration chain,
// with static credentials and a custom endpoint when given.
func NewS3Client(ctx context.Context, cfg S3Config) (*s3.Client, error) {
	opts := []func(*awsconfig.LoadOptions) error{}
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}
	if cfg.AccessKeyID != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, "")))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("loading AWS config: %w", err)
	}
	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	}), nil
}

// ObjectStore is a target in an S3-compatible bucket. Directories do not
// exist in a bucket, so EnsureDir is a no-op and capacity is unbounded.
type ObjectStore struct {
	base
	client S3API
	bucket string
	prefix string
	logger *slog.Logger
}

// NewObjectStore creates an object-store target.
func NewObjectStore(opts Options, client S3API, bucket, prefix string, logger *slog.Logger) (*ObjectStore, error) {
	if bucket == "" {
		return nil, fmt.Errorf("target %s: bucket is required", opts.Name)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ObjectStore{
		base:   base{opts: opts, kind: KindObjectStore},
		client: client,
		bucket: bucket,
		prefix: strings.Trim(prefix, "/"),
		logger: logger.With("target", opts.Name, "bucket", bucket),
	}, nil
}

func (t *ObjectStore) key(rel string) (string, error) {
	clean, err := cleanRel(rel)
	if err != nil {
		return "", err
	}
	if t.prefix == "" {
		return clean, nil
	}
	return t.prefix + "/" + clean, nil
}

func (t *ObjectStore) EnsureDir(context.Context, string) error { return nil }

func (t *ObjectStore) Capacity(context.Context) (Capacity, error) {
	return t.remember(Capacity{Unbounded: true}), nil
}

// Put uploads the file with a SHA256 checksum the store validates on
// receipt.
func (t *ObjectStore) Put(ctx context.Context, localPath, rel string, overwrite bool) error {
	key, err := t.key(rel)
	if err != nil {
		return err
	}
	digest, err := checksum.File(localPath)
	if err != nil {
		return err
	}
	raw, err := hex.DecodeString(string(digest))
	if err != nil {
		return fmt.Errorf("decoding digest: %w", err)
	}

	f, err := os.Open(localPath)
	if err != nil {
		return fault.New(fault.Unreadable, "open", localPath, err)
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return fault.New(fault.Unreadable, "stat", localPath, err)
	}

	if overwrite {
		if _, err := t.client.DeleteObject(ctx, &s3.DeleteObjectInput{
			Bucket: aws.String(t.bucket),
			Key:    aws.String(key),
		}); err != nil {
			return t.classify("delete", key, err)
		}
	}

	_, err = t.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:            aws.String(t.bucket),
		Key:               aws.String(key),
		Body:              f,
		ContentLength:     aws.Int64(info.Size()),
		ChecksumAlgorithm: types.ChecksumAlgorithmSha256,
		ChecksumSHA256:    aws.String(base64.StdEncoding.EncodeToString(raw)),
	})
	if err != nil {
		return t.classify("put", key, err)
	}
	t.logger.Debug("uploaded object", "key", key, "bytes", info.Size())
	return nil
}

// Digest asks the store for the object's SHA256. Stores that keep no
// additional checksums have the object read back and hashed.
func (t *ObjectStore) Digest(ctx context.Context, rel string) (checksum.Digest, error) {
	key, err := t.key(rel)
	if err != nil {
		return "", err
	}
	out, err := t.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket:       aws.String(t.bucket),
		Key:          aws.String(key),
		ChecksumMode: types.ChecksumModeEnabled,
	})
	if err != nil {
		return "", t.classify("head", key, err)
	}

	if v := aws.ToString(out.ChecksumSHA256); v != "" && !strings.Contains(v, "-") {
		raw, err := base64.StdEncoding.DecodeString(v)
		if err == nil {
			return checksum.Digest(hex.EncodeToString(raw)), nil
		}
	}
	return t.readBack(ctx, key)
}

// readBack downloads the object and hashes its content.
func (t *ObjectStore) readBack(ctx context.Context, key string) (checksum.Digest, error) {
	t.logger.Debug("no stored checksum, hashing object content", "key", key)
	obj, err := t.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(t.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return "", t.classify("get", key, err)
	}
	defer obj.Body.Close()
	d, err := checksum.Reader(obj.Body)
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", fault.New(fault.RemoteFault, "get", key, err)
	}
	return d, nil
}

// Count lists the keys under each directory prefix.
func (t *ObjectStore) Count(ctx context.Context, rels ...string) (int, error) {
	total := 0
	for _, rel := range rels {
		key, err := t.key(rel)
		if err != nil {
			return 0, err
		}
		p := s3.NewListObjectsV2Paginator(t.client, &s3.ListObjectsV2Input{
			Bucket: aws.String(t.bucket),
			Prefix: aws.String(key + "/"),
		})
		for p.HasMorePages() {
			page, err := p.NextPage(ctx)
			if err != nil {
				return 0, t.classify("list", key, err)
			}
			for _, obj := range page.Contents {
				if !strings.HasPrefix(path.Base(aws.ToString(obj.Key)), ".") {
					total++
				}
			}
		}
	}
	return total, nil
}

func (t *ObjectStore) Location(rel string) string {
	key, err := t.key(rel)
	if err != nil {
		key = rel
	}
	return "s3://" + t.bucket + "/" + key
}

func (t *ObjectStore) Close() error { return nil }

// classify maps SDK errors to fault kinds. A 404 is NotFound and a failure
// without an HTTP response means the endpoint could not be reached.
func (t *ObjectStore) classify(op, key string, err error) error {
	var nf *types.NotFound
	var nsk *types.NoSuchKey
	if errors.As(err, &nf) || errors.As(err, &nsk) {
		return fault.New(fault.NotFound, op, key, err)
	}
	var re *awshttp.ResponseError
	if errors.As(err, &re) {
		if re.HTTPStatusCode() == http.StatusNotFound {
			return fault.New(fault.NotFound, op, key, err)
		}
		t.logger.Warn("object store request failed", "op", op, "key", key, "status", re.HTTPStatusCode(), "error", err)
		return fault.New(fault.RemoteFault, op, key, err)
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return fault.New(fault.HostUnreachable, op, t.bucket, err)
}
