// Package s3 adapts an Amazon S3 bucket (or any S3-compatible store) to the
// stow backend contract. Directories are prefix-derived: a directory exists
// when a marker object or at least one key lives under its prefix.
package s3

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	awss3 "github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/gabriel-vasile/mimetype"

	"github.com/Kieran-Bacon/stow"
)

// Scheme is the connection scheme this backend answers to.
const Scheme = "s3"

// deleteBatchSize is the S3 DeleteObjects request limit.
const deleteBatchSize = 1000

// Backend serves one bucket as stow storage.
type Backend struct {
	client Client
	bucket string
	region string

	// endpoint and pathStyle survive only for Config round-trips.
	endpoint  string
	pathStyle bool
}

// Option configures backend construction.
type Option func(*settings)

type settings struct {
	region    string
	endpoint  string
	pathStyle bool
	client    Client
}

// WithRegion pins the AWS region instead of the default credential chain's.
func WithRegion(region string) Option {
	return func(s *settings) { s.region = region }
}

// WithEndpoint targets an S3-compatible service at a custom URL.
func WithEndpoint(endpoint string) Option {
	return func(s *settings) { s.endpoint = endpoint }
}

// WithPathStyle forces path-style addressing, required by most
// S3-compatible services.
func WithPathStyle() Option {
	return func(s *settings) { s.pathStyle = true }
}

// WithClient substitutes the SDK client, primarily for tests.
func WithClient(client Client) Option {
	return func(s *settings) { s.client = client }
}

// New builds a backend for bucket using the default AWS credential chain.
func New(ctx context.Context, bucket string, opts ...Option) (*Backend, error) {
	s := settings{}
	for _, opt := range opts {
		opt(&s)
	}

	b := &Backend{
		bucket:    bucket,
		region:    s.region,
		endpoint:  s.endpoint,
		pathStyle: s.pathStyle,
	}
	if s.client != nil {
		b.client = s.client
		return b, nil
	}

	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("s3: load aws config: %w", err)
	}
	if s.region != "" {
		cfg.Region = s.region
	}
	b.client = awss3.NewFromConfig(cfg, func(o *awss3.Options) {
		if s.endpoint != "" {
			o.BaseEndpoint = aws.String(s.endpoint)
		}
		if s.pathStyle {
			o.UsePathStyle = true
		}
	})
	return b, nil
}

// key maps a canonical path to an object key. The root maps to the empty
// prefix.
func key(p string) string { return strings.TrimPrefix(p, "/") }

// dirPrefix is the listing prefix for a directory path, "" for the root.
func dirPrefix(p string) string {
	k := key(p)
	if k == "" {
		return ""
	}
	return k + "/"
}

func isNotFound(err error) bool {
	var notFound *types.NotFound
	var noSuchKey *types.NoSuchKey
	return errors.As(err, &notFound) || errors.As(err, &noSuchKey)
}

// etagDigest extracts an MD5 digest from an ETag. Multipart uploads carry a
// composite ETag, which is not a content digest and is discarded.
func etagDigest(etag *string) string {
	if etag == nil {
		return ""
	}
	digest := strings.Trim(*etag, `"`)
	if strings.Contains(digest, "-") {
		return ""
	}
	return digest
}

func (b *Backend) Identify(ctx context.Context, p string) (stow.Info, error) {
	if p == "/" {
		return stow.Info{Path: p, Kind: stow.KindDirectory}, nil
	}

	head, err := b.client.HeadObject(ctx, &awss3.HeadObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(key(p)),
	})
	if err == nil {
		info := stow.Info{
			Path:     p,
			Kind:     stow.KindFile,
			Size:     aws.ToInt64(head.ContentLength),
			ModTime:  aws.ToTime(head.LastModified),
			Digest:   etagDigest(head.ETag),
			Metadata: head.Metadata,
		}
		return info, nil
	}
	if !isNotFound(err) {
		return stow.Info{}, fmt.Errorf("s3: head %q: %w", p, err)
	}

	// No object at the key; a populated prefix still makes it a directory.
	list, err := b.client.ListObjectsV2(ctx, &awss3.ListObjectsV2Input{
		Bucket:  aws.String(b.bucket),
		Prefix:  aws.String(dirPrefix(p)),
		MaxKeys: aws.Int32(1),
	})
	if err != nil {
		return stow.Info{}, fmt.Errorf("s3: list %q: %w", p, err)
	}
	if len(list.Contents) == 0 {
		return stow.Info{}, stow.ErrArtefactNotFound
	}
	return stow.Info{Path: p, Kind: stow.KindDirectory}, nil
}

func (b *Backend) Get(ctx context.Context, p, localDst string) error {
	info, err := b.Identify(ctx, p)
	if err != nil {
		return err
	}
	if info.Kind == stow.KindFile {
		return b.getFile(ctx, key(p), localDst)
	}

	prefix := dirPrefix(p)
	if err := os.MkdirAll(localDst, 0o755); err != nil {
		return fmt.Errorf("s3: prepare %q: %w", localDst, err)
	}
	return b.eachKey(ctx, prefix, func(obj types.Object) error {
		k := aws.ToString(obj.Key)
		rel := strings.TrimPrefix(k, prefix)
		if rel == "" {
			return nil // directory marker
		}
		target := filepath.Join(localDst, filepath.FromSlash(rel))
		if strings.HasSuffix(k, "/") {
			return os.MkdirAll(target, 0o755)
		}
		return b.getFile(ctx, k, target)
	})
}

func (b *Backend) getFile(ctx context.Context, k, localDst string) error {
	out, err := b.client.GetObject(ctx, &awss3.GetObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(k),
	})
	if err != nil {
		if isNotFound(err) {
			return stow.ErrArtefactNotFound
		}
		return fmt.Errorf("s3: get %q: %w", k, err)
	}
	defer out.Body.Close()

	if err := os.MkdirAll(filepath.Dir(localDst), 0o755); err != nil {
		return fmt.Errorf("s3: prepare %q: %w", localDst, err)
	}
	f, err := os.Create(localDst)
	if err != nil {
		return fmt.Errorf("s3: create %q: %w", localDst, err)
	}
	defer f.Close()
	if _, err := io.Copy(f, out.Body); err != nil {
		return fmt.Errorf("s3: download %q: %w", k, err)
	}
	return f.Close()
}

func (b *Backend) GetBytes(ctx context.Context, p string) ([]byte, error) {
	out, err := b.client.GetObject(ctx, &awss3.GetObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(key(p)),
	})
	if err != nil {
		if isNotFound(err) {
			return nil, stow.ErrArtefactNotFound
		}
		return nil, fmt.Errorf("s3: get %q: %w", p, err)
	}
	defer out.Body.Close()
	content, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("s3: download %q: %w", p, err)
	}
	return content, nil
}

func (b *Backend) Put(ctx context.Context, localSrc, p string) (stow.Info, error) {
	fi, err := os.Stat(localSrc)
	if err != nil {
		return stow.Info{}, fmt.Errorf("s3: stat %q: %w", localSrc, err)
	}

	if !fi.IsDir() {
		if err := b.putFile(ctx, localSrc, key(p)); err != nil {
			return stow.Info{}, err
		}
		return b.Identify(ctx, p)
	}

	uploaded := false
	prefix := dirPrefix(p)
	err = filepath.WalkDir(localSrc, func(walkPath string, d os.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if walkPath == localSrc || d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(localSrc, walkPath)
		if err != nil {
			return err
		}
		uploaded = true
		return b.putFile(ctx, walkPath, prefix+filepath.ToSlash(rel))
	})
	if err != nil {
		return stow.Info{}, err
	}
	if !uploaded {
		// Empty directory: persist a marker so the prefix identifies.
		if err := b.putMarker(ctx, prefix); err != nil {
			return stow.Info{}, err
		}
	}
	return b.Identify(ctx, p)
}

func (b *Backend) putFile(ctx context.Context, localSrc, k string) error {
	contentType := "application/octet-stream"
	if detected, err := mimetype.DetectFile(localSrc); err == nil {
		contentType = detected.String()
	}
	f, err := os.Open(localSrc)
	if err != nil {
		return fmt.Errorf("s3: open %q: %w", localSrc, err)
	}
	defer f.Close()

	_, err = b.client.PutObject(ctx, &awss3.PutObjectInput{
		Bucket:      aws.String(b.bucket),
		Key:         aws.String(k),
		Body:        f,
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return fmt.Errorf("s3: put %q: %w", k, err)
	}
	return nil
}

func (b *Backend) putMarker(ctx context.Context, prefix string) error {
	_, err := b.client.PutObject(ctx, &awss3.PutObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(prefix),
		Body:   bytes.NewReader(nil),
	})
	if err != nil {
		return fmt.Errorf("s3: put marker %q: %w", prefix, err)
	}
	return nil
}

func (b *Backend) PutBytes(ctx context.Context, content []byte, p string) (stow.Info, error) {
	_, err := b.client.PutObject(ctx, &awss3.PutObjectInput{
		Bucket:      aws.String(b.bucket),
		Key:         aws.String(key(p)),
		Body:        bytes.NewReader(content),
		ContentType: aws.String(mimetype.Detect(content).String()),
	})
	if err != nil {
		return stow.Info{}, fmt.Errorf("s3: put %q: %w", p, err)
	}
	return b.Identify(ctx, p)
}

func (b *Backend) List(ctx context.Context, p string) ([]stow.Info, error) {
	prefix := dirPrefix(p)
	var infos []stow.Info

	paginator := awss3.NewListObjectsV2Paginator(b.client, &awss3.ListObjectsV2Input{
		Bucket:    aws.String(b.bucket),
		Prefix:    aws.String(prefix),
		Delimiter: aws.String("/"),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("s3: list %q: %w", p, err)
		}
		for _, obj := range page.Contents {
			k := aws.ToString(obj.Key)
			if k == prefix {
				continue // the directory's own marker
			}
			infos = append(infos, stow.Info{
				Path:    "/" + k,
				Kind:    stow.KindFile,
				Size:    aws.ToInt64(obj.Size),
				ModTime: aws.ToTime(obj.LastModified),
				Digest:  etagDigest(obj.ETag),
			})
		}
		for _, cp := range page.CommonPrefixes {
			dir := strings.TrimSuffix(aws.ToString(cp.Prefix), "/")
			infos = append(infos, stow.Info{
				Path: "/" + dir,
				Kind: stow.KindDirectory,
			})
		}
	}
	return infos, nil
}

func (b *Backend) Remove(ctx context.Context, p string) error {
	if p == "/" {
		return b.removePrefix(ctx, "")
	}

	_, err := b.client.HeadObject(ctx, &awss3.HeadObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(key(p)),
	})
	switch {
	case err == nil:
		_, err = b.client.DeleteObject(ctx, &awss3.DeleteObjectInput{
			Bucket: aws.String(b.bucket),
			Key:    aws.String(key(p)),
		})
		if err != nil {
			return fmt.Errorf("s3: delete %q: %w", p, err)
		}
		return nil
	case isNotFound(err):
		return b.removePrefix(ctx, dirPrefix(p))
	default:
		return fmt.Errorf("s3: head %q: %w", p, err)
	}
}

func (b *Backend) removePrefix(ctx context.Context, prefix string) error {
	var pending []types.ObjectIdentifier
	flush := func() error {
		if len(pending) == 0 {
			return nil
		}
		_, err := b.client.DeleteObjects(ctx, &awss3.DeleteObjectsInput{
			Bucket: aws.String(b.bucket),
			Delete: &types.Delete{Objects: pending, Quiet: aws.Bool(true)},
		})
		pending = pending[:0]
		if err != nil {
			return fmt.Errorf("s3: delete prefix %q: %w", prefix, err)
		}
		return nil
	}

	err := b.eachKey(ctx, prefix, func(obj types.Object) error {
		pending = append(pending, types.ObjectIdentifier{Key: obj.Key})
		if len(pending) == deleteBatchSize {
			return flush()
		}
		return nil
	})
	if err != nil {
		return err
	}
	return flush()
}

// eachKey visits every object under prefix, markers included.
func (b *Backend) eachKey(ctx context.Context, prefix string, fn func(types.Object) error) error {
	paginator := awss3.NewListObjectsV2Paginator(b.client, &awss3.ListObjectsV2Input{
		Bucket: aws.String(b.bucket),
		Prefix: aws.String(prefix),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return fmt.Errorf("s3: list prefix %q: %w", prefix, err)
		}
		for _, obj := range page.Contents {
			if err := fn(obj); err != nil {
				return err
			}
		}
	}
	return nil
}

// Move relocates an object or a whole prefix server side with CopyObject,
// then removes the source. No bytes transit through this process.
func (b *Backend) Move(ctx context.Context, src, dst string) error {
	_, err := b.client.HeadObject(ctx, &awss3.HeadObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(key(src)),
	})
	switch {
	case err == nil:
		if err := b.copyKey(ctx, key(src), key(dst)); err != nil {
			return err
		}
		_, err = b.client.DeleteObject(ctx, &awss3.DeleteObjectInput{
			Bucket: aws.String(b.bucket),
			Key:    aws.String(key(src)),
		})
		if err != nil {
			return fmt.Errorf("s3: delete %q: %w", src, err)
		}
		return nil
	case !isNotFound(err):
		return fmt.Errorf("s3: head %q: %w", src, err)
	}

	srcPrefix, dstPrefix := dirPrefix(src), dirPrefix(dst)
	err = b.eachKey(ctx, srcPrefix, func(obj types.Object) error {
		k := aws.ToString(obj.Key)
		return b.copyKey(ctx, k, dstPrefix+strings.TrimPrefix(k, srcPrefix))
	})
	if err != nil {
		return err
	}
	return b.removePrefix(ctx, srcPrefix)
}

func (b *Backend) copyKey(ctx context.Context, srcKey, dstKey string) error {
	_, err := b.client.CopyObject(ctx, &awss3.CopyObjectInput{
		Bucket:     aws.String(b.bucket),
		CopySource: aws.String(b.bucket + "/" + srcKey),
		Key:        aws.String(dstKey),
	})
	if err != nil {
		return fmt.Errorf("s3: copy %q to %q: %w", srcKey, dstKey, err)
	}
	return nil
}

// Digest answers from the stored ETag when it is a plain MD5, falling back
// to downloading and hashing for multipart-uploaded objects.
func (b *Backend) Digest(ctx context.Context, p string) (string, error) {
	head, err := b.client.HeadObject(ctx, &awss3.HeadObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(key(p)),
	})
	if err != nil {
		if isNotFound(err) {
			return "", stow.ErrArtefactNotFound
		}
		return "", fmt.Errorf("s3: head %q: %w", p, err)
	}
	if digest := etagDigest(head.ETag); digest != "" {
		return digest, nil
	}

	content, err := b.GetBytes(ctx, p)
	if err != nil {
		return "", err
	}
	sum := md5.Sum(content)
	return hex.EncodeToString(sum[:]), nil
}

func (b *Backend) Abspath(p string) string {
	return "s3://" + path.Join(b.bucket, key(p))
}

func (b *Backend) Capabilities() stow.Capability {
	return stow.CapDigest | stow.CapNativeMove
}

func (b *Backend) Config() map[string]string {
	cfg := map[string]string{
		"scheme": Scheme,
		"bucket": b.bucket,
	}
	if b.region != "" {
		cfg["region"] = b.region
	}
	if b.endpoint != "" {
		cfg["endpoint"] = b.endpoint
	}
	if b.pathStyle {
		cfg["path_style"] = "true"
	}
	return cfg
}

func (b *Backend) Scheme() string { return Scheme }
