// Package minio adapts a MinIO (or other S3-compatible) bucket to the stow
// backend contract through the native MinIO SDK. Directories are
// prefix-derived, with zero-byte marker objects persisting empty ones.
package minio

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/Kieran-Bacon/stow"
)

// Scheme is the connection scheme this backend answers to.
const Scheme = "minio"

// Config holds backend construction parameters.
type Config struct {
	// Endpoint is the server address, e.g. "localhost:9000".
	Endpoint string

	// Bucket is the bucket served as the manager root.
	Bucket string

	// AccessKey and SecretKey authenticate against the server.
	AccessKey string
	SecretKey string

	// UseSSL enables HTTPS.
	UseSSL bool

	// Client overrides Endpoint and the credentials with a pre-built SDK
	// client, primarily for tests.
	Client *minio.Client
}

func (c Config) validate() error {
	if c.Bucket == "" {
		return fmt.Errorf("minio: bucket is required")
	}
	if c.Client == nil && c.Endpoint == "" {
		return fmt.Errorf("minio: endpoint is required")
	}
	return nil
}

// Backend serves one bucket as stow storage.
type Backend struct {
	client *minio.Client
	cfg    Config
}

// New builds a backend from cfg.
func New(cfg Config) (*Backend, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	client := cfg.Client
	if client == nil {
		var err error
		client, err = minio.New(cfg.Endpoint, &minio.Options{
			Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
			Secure: cfg.UseSSL,
		})
		if err != nil {
			return nil, fmt.Errorf("minio: create client: %w", err)
		}
	}
	return &Backend{client: client, cfg: cfg}, nil
}

func key(p string) string { return strings.TrimPrefix(p, "/") }

func dirPrefix(p string) string {
	k := key(p)
	if k == "" {
		return ""
	}
	return k + "/"
}

func isNotFound(err error) bool {
	resp := minio.ToErrorResponse(err)
	return resp.Code == "NoSuchKey" || resp.Code == "NotFound"
}

func etagDigest(etag string) string {
	if strings.Contains(etag, "-") {
		return ""
	}
	return etag
}

func (b *Backend) Identify(ctx context.Context, p string) (stow.Info, error) {
	if p == "/" {
		return stow.Info{Path: p, Kind: stow.KindDirectory}, nil
	}

	stat, err := b.client.StatObject(ctx, b.cfg.Bucket, key(p), minio.StatObjectOptions{})
	if err == nil {
		return stow.Info{
			Path:     p,
			Kind:     stow.KindFile,
			Size:     stat.Size,
			ModTime:  stat.LastModified,
			Digest:   etagDigest(stat.ETag),
			Metadata: stat.UserMetadata,
		}, nil
	}
	if !isNotFound(err) {
		return stow.Info{}, fmt.Errorf("minio: stat %q: %w", p, err)
	}

	for obj := range b.client.ListObjects(ctx, b.cfg.Bucket, minio.ListObjectsOptions{
		Prefix:  dirPrefix(p),
		MaxKeys: 1,
	}) {
		if obj.Err != nil {
			return stow.Info{}, fmt.Errorf("minio: list %q: %w", p, obj.Err)
		}
		return stow.Info{Path: p, Kind: stow.KindDirectory}, nil
	}
	return stow.Info{}, stow.ErrArtefactNotFound
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
		return fmt.Errorf("minio: prepare %q: %w", localDst, err)
	}
	for obj := range b.client.ListObjects(ctx, b.cfg.Bucket, minio.ListObjectsOptions{
		Prefix:    prefix,
		Recursive: true,
	}) {
		if obj.Err != nil {
			return fmt.Errorf("minio: list %q: %w", p, obj.Err)
		}
		rel := strings.TrimPrefix(obj.Key, prefix)
		if rel == "" {
			continue
		}
		target := filepath.Join(localDst, filepath.FromSlash(rel))
		if strings.HasSuffix(obj.Key, "/") {
			if err := os.MkdirAll(target, 0o755); err != nil {
				return fmt.Errorf("minio: prepare %q: %w", target, err)
			}
			continue
		}
		if err := b.getFile(ctx, obj.Key, target); err != nil {
			return err
		}
	}
	return nil
}

func (b *Backend) getFile(ctx context.Context, k, localDst string) error {
	if err := os.MkdirAll(filepath.Dir(localDst), 0o755); err != nil {
		return fmt.Errorf("minio: prepare %q: %w", localDst, err)
	}
	if err := b.client.FGetObject(ctx, b.cfg.Bucket, k, localDst, minio.GetObjectOptions{}); err != nil {
		if isNotFound(err) {
			return stow.ErrArtefactNotFound
		}
		return fmt.Errorf("minio: get %q: %w", k, err)
	}
	return nil
}

func (b *Backend) GetBytes(ctx context.Context, p string) ([]byte, error) {
	obj, err := b.client.GetObject(ctx, b.cfg.Bucket, key(p), minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("minio: get %q: %w", p, err)
	}
	defer obj.Close()
	content, err := io.ReadAll(obj)
	if err != nil {
		if isNotFound(err) {
			return nil, stow.ErrArtefactNotFound
		}
		return nil, fmt.Errorf("minio: read %q: %w", p, err)
	}
	return content, nil
}

func (b *Backend) Put(ctx context.Context, localSrc, p string) (stow.Info, error) {
	fi, err := os.Stat(localSrc)
	if err != nil {
		return stow.Info{}, fmt.Errorf("minio: stat %q: %w", localSrc, err)
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
		if _, err := b.client.PutObject(ctx, b.cfg.Bucket, prefix, bytes.NewReader(nil), 0,
			minio.PutObjectOptions{}); err != nil {
			return stow.Info{}, fmt.Errorf("minio: put marker %q: %w", prefix, err)
		}
	}
	return b.Identify(ctx, p)
}

func (b *Backend) putFile(ctx context.Context, localSrc, k string) error {
	contentType := "application/octet-stream"
	if detected, err := mimetype.DetectFile(localSrc); err == nil {
		contentType = detected.String()
	}
	_, err := b.client.FPutObject(ctx, b.cfg.Bucket, k, localSrc, minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		return fmt.Errorf("minio: put %q: %w", k, err)
	}
	return nil
}

func (b *Backend) PutBytes(ctx context.Context, content []byte, p string) (stow.Info, error) {
	_, err := b.client.PutObject(ctx, b.cfg.Bucket, key(p),
		bytes.NewReader(content), int64(len(content)),
		minio.PutObjectOptions{ContentType: mimetype.Detect(content).String()})
	if err != nil {
		return stow.Info{}, fmt.Errorf("minio: put %q: %w", p, err)
	}
	return b.Identify(ctx, p)
}

func (b *Backend) List(ctx context.Context, p string) ([]stow.Info, error) {
	prefix := dirPrefix(p)
	var infos []stow.Info
	for obj := range b.client.ListObjects(ctx, b.cfg.Bucket, minio.ListObjectsOptions{
		Prefix: prefix,
	}) {
		if obj.Err != nil {
			return nil, fmt.Errorf("minio: list %q: %w", p, obj.Err)
		}
		if obj.Key == prefix {
			continue
		}
		if strings.HasSuffix(obj.Key, "/") {
			infos = append(infos, stow.Info{
				Path: "/" + strings.TrimSuffix(obj.Key, "/"),
				Kind: stow.KindDirectory,
			})
			continue
		}
		infos = append(infos, stow.Info{
			Path:    "/" + obj.Key,
			Kind:    stow.KindFile,
			Size:    obj.Size,
			ModTime: obj.LastModified,
			Digest:  etagDigest(obj.ETag),
		})
	}
	return infos, nil
}

func (b *Backend) Remove(ctx context.Context, p string) error {
	if p == "/" {
		return b.removePrefix(ctx, "")
	}
	k := key(p)
	_, err := b.client.StatObject(ctx, b.cfg.Bucket, k, minio.StatObjectOptions{})
	switch {
	case err == nil:
		if err := b.client.RemoveObject(ctx, b.cfg.Bucket, k, minio.RemoveObjectOptions{}); err != nil {
			return fmt.Errorf("minio: remove %q: %w", p, err)
		}
		return nil
	case isNotFound(err):
		return b.removePrefix(ctx, dirPrefix(p))
	default:
		return fmt.Errorf("minio: stat %q: %w", p, err)
	}
}

func (b *Backend) removePrefix(ctx context.Context, prefix string) error {
	objects := make(chan minio.ObjectInfo)
	listCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		defer close(objects)
		for obj := range b.client.ListObjects(listCtx, b.cfg.Bucket, minio.ListObjectsOptions{
			Prefix:    prefix,
			Recursive: true,
		}) {
			if obj.Err != nil {
				return
			}
			select {
			case objects <- obj:
			case <-listCtx.Done():
				return
			}
		}
	}()

	for result := range b.client.RemoveObjects(ctx, b.cfg.Bucket, objects, minio.RemoveObjectsOptions{}) {
		if result.Err != nil {
			return fmt.Errorf("minio: remove prefix %q: %w", prefix, result.Err)
		}
	}
	return nil
}

// Move relocates an object or a whole prefix server side with CopyObject,
// then removes the source.
func (b *Backend) Move(ctx context.Context, src, dst string) error {
	_, err := b.client.StatObject(ctx, b.cfg.Bucket, key(src), minio.StatObjectOptions{})
	switch {
	case err == nil:
		if err := b.copyKey(ctx, key(src), key(dst)); err != nil {
			return err
		}
		if err := b.client.RemoveObject(ctx, b.cfg.Bucket, key(src), minio.RemoveObjectOptions{}); err != nil {
			return fmt.Errorf("minio: remove %q: %w", src, err)
		}
		return nil
	case !isNotFound(err):
		return fmt.Errorf("minio: stat %q: %w", src, err)
	}

	srcPrefix, dstPrefix := dirPrefix(src), dirPrefix(dst)
	for obj := range b.client.ListObjects(ctx, b.cfg.Bucket, minio.ListObjectsOptions{
		Prefix:    srcPrefix,
		Recursive: true,
	}) {
		if obj.Err != nil {
			return fmt.Errorf("minio: list %q: %w", src, obj.Err)
		}
		if err := b.copyKey(ctx, obj.Key, dstPrefix+strings.TrimPrefix(obj.Key, srcPrefix)); err != nil {
			return err
		}
	}
	return b.removePrefix(ctx, srcPrefix)
}

func (b *Backend) copyKey(ctx context.Context, srcKey, dstKey string) error {
	_, err := b.client.CopyObject(ctx,
		minio.CopyDestOptions{Bucket: b.cfg.Bucket, Object: dstKey},
		minio.CopySrcOptions{Bucket: b.cfg.Bucket, Object: srcKey})
	if err != nil {
		return fmt.Errorf("minio: copy %q to %q: %w", srcKey, dstKey, err)
	}
	return nil
}

// Digest answers from the stored ETag when it is a plain MD5, falling back
// to downloading and hashing.
func (b *Backend) Digest(ctx context.Context, p string) (string, error) {
	stat, err := b.client.StatObject(ctx, b.cfg.Bucket, key(p), minio.StatObjectOptions{})
	if err != nil {
		if isNotFound(err) {
			return "", stow.ErrArtefactNotFound
		}
		return "", fmt.Errorf("minio: stat %q: %w", p, err)
	}
	if digest := etagDigest(stat.ETag); digest != "" {
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
	return Scheme + "://" + path.Join(b.cfg.Endpoint, b.cfg.Bucket, key(p))
}

func (b *Backend) Capabilities() stow.Capability {
	return stow.CapDigest | stow.CapNativeMove
}

func (b *Backend) Config() map[string]string {
	cfg := map[string]string{
		"scheme":   Scheme,
		"endpoint": b.cfg.Endpoint,
		"bucket":   b.cfg.Bucket,
	}
	if b.cfg.AccessKey != "" {
		cfg["access_key"] = b.cfg.AccessKey
	}
	if b.cfg.SecretKey != "" {
		cfg["secret_key"] = b.cfg.SecretKey
	}
	if b.cfg.UseSSL {
		cfg["ssl"] = "true"
	}
	return cfg
}

func (b *Backend) Scheme() string { return Scheme }
