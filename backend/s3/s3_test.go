package s3_test

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awss3 "github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Kieran-Bacon/stow"
	s3backend "github.com/Kieran-Bacon/stow/backend/s3"
)

// fakeS3 is an in-memory stand-in for the SDK client: a flat key space with
// enough ListObjectsV2 semantics (prefix, delimiter, common prefixes) for
// the backend's directory model.
type fakeS3 struct {
	mu      sync.Mutex
	objects map[string][]byte
	mtimes  map[string]time.Time
}

func newFakeS3() *fakeS3 {
	return &fakeS3{
		objects: map[string][]byte{},
		mtimes:  map[string]time.Time{},
	}
}

func (f *fakeS3) etag(key string) string {
	sum := md5.Sum(f.objects[key])
	return `"` + hex.EncodeToString(sum[:]) + `"`
}

func (f *fakeS3) HeadObject(ctx context.Context, params *awss3.HeadObjectInput, _ ...func(*awss3.Options)) (*awss3.HeadObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := aws.ToString(params.Key)
	content, ok := f.objects[key]
	if !ok {
		return nil, &types.NotFound{}
	}
	return &awss3.HeadObjectOutput{
		ContentLength: aws.Int64(int64(len(content))),
		LastModified:  aws.Time(f.mtimes[key]),
		ETag:          aws.String(f.etag(key)),
	}, nil
}

func (f *fakeS3) GetObject(ctx context.Context, params *awss3.GetObjectInput, _ ...func(*awss3.Options)) (*awss3.GetObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := aws.ToString(params.Key)
	content, ok := f.objects[key]
	if !ok {
		return nil, &types.NoSuchKey{}
	}
	return &awss3.GetObjectOutput{
		Body:          io.NopCloser(bytes.NewReader(content)),
		ContentLength: aws.Int64(int64(len(content))),
	}, nil
}

func (f *fakeS3) PutObject(ctx context.Context, params *awss3.PutObjectInput, _ ...func(*awss3.Options)) (*awss3.PutObjectOutput, error) {
	content, err := io.ReadAll(params.Body)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	key := aws.ToString(params.Key)
	f.objects[key] = content
	f.mtimes[key] = time.Now()
	return &awss3.PutObjectOutput{ETag: aws.String(f.etag(key))}, nil
}

func (f *fakeS3) CopyObject(ctx context.Context, params *awss3.CopyObjectInput, _ ...func(*awss3.Options)) (*awss3.CopyObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	source := aws.ToString(params.CopySource)
	_, srcKey, _ := strings.Cut(source, "/")
	content, ok := f.objects[srcKey]
	if !ok {
		return nil, &types.NoSuchKey{}
	}
	dstKey := aws.ToString(params.Key)
	f.objects[dstKey] = append([]byte(nil), content...)
	f.mtimes[dstKey] = time.Now()
	return &awss3.CopyObjectOutput{}, nil
}

func (f *fakeS3) DeleteObject(ctx context.Context, params *awss3.DeleteObjectInput, _ ...func(*awss3.Options)) (*awss3.DeleteObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := aws.ToString(params.Key)
	delete(f.objects, key)
	delete(f.mtimes, key)
	return &awss3.DeleteObjectOutput{}, nil
}

func (f *fakeS3) DeleteObjects(ctx context.Context, params *awss3.DeleteObjectsInput, _ ...func(*awss3.Options)) (*awss3.DeleteObjectsOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, obj := range params.Delete.Objects {
		key := aws.ToString(obj.Key)
		delete(f.objects, key)
		delete(f.mtimes, key)
	}
	return &awss3.DeleteObjectsOutput{}, nil
}

func (f *fakeS3) ListObjectsV2(ctx context.Context, params *awss3.ListObjectsV2Input, _ ...func(*awss3.Options)) (*awss3.ListObjectsV2Output, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	prefix := aws.ToString(params.Prefix)
	delimiter := aws.ToString(params.Delimiter)

	var keys []string
	for key := range f.objects {
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)

	out := &awss3.ListObjectsV2Output{}
	seenPrefixes := map[string]bool{}
	for _, key := range keys {
		rest := strings.TrimPrefix(key, prefix)
		if delimiter != "" {
			if i := strings.Index(rest, delimiter); i >= 0 {
				common := prefix + rest[:i+1]
				if !seenPrefixes[common] {
					seenPrefixes[common] = true
					out.CommonPrefixes = append(out.CommonPrefixes, types.CommonPrefix{
						Prefix: aws.String(common),
					})
				}
				continue
			}
		}
		out.Contents = append(out.Contents, types.Object{
			Key:          aws.String(key),
			Size:         aws.Int64(int64(len(f.objects[key]))),
			LastModified: aws.Time(f.mtimes[key]),
			ETag:         aws.String(f.etag(key)),
		})
		if params.MaxKeys != nil && int32(len(out.Contents)) >= aws.ToInt32(params.MaxKeys) {
			break
		}
	}
	return out, nil
}

func newTestBackend(t *testing.T) (*s3backend.Backend, *fakeS3) {
	t.Helper()
	fake := newFakeS3()
	backend, err := s3backend.New(context.Background(), "test-bucket", s3backend.WithClient(fake))
	require.NoError(t, err)
	return backend, fake
}

func TestIdentify(t *testing.T) {
	backend, fake := newTestBackend(t)
	ctx := context.Background()

	t.Run("root is always a directory", func(t *testing.T) {
		info, err := backend.Identify(ctx, "/")
		require.NoError(t, err)
		assert.Equal(t, stow.KindDirectory, info.Kind)
	})

	t.Run("absent", func(t *testing.T) {
		_, err := backend.Identify(ctx, "/nothing.txt")
		assert.ErrorIs(t, err, stow.ErrArtefactNotFound)
	})

	t.Run("object is a file", func(t *testing.T) {
		fake.objects["data/report.csv"] = []byte("a,b\n")
		fake.mtimes["data/report.csv"] = time.Now()

		info, err := backend.Identify(ctx, "/data/report.csv")
		require.NoError(t, err)
		assert.Equal(t, stow.KindFile, info.Kind)
		assert.EqualValues(t, 4, info.Size)
		assert.NotEmpty(t, info.Digest)
	})

	t.Run("populated prefix is a directory", func(t *testing.T) {
		info, err := backend.Identify(ctx, "/data")
		require.NoError(t, err)
		assert.Equal(t, stow.KindDirectory, info.Kind)
	})
}

func TestBytesRoundTrip(t *testing.T) {
	backend, _ := newTestBackend(t)
	ctx := context.Background()

	info, err := backend.PutBytes(ctx, []byte("payload"), "/f.bin")
	require.NoError(t, err)
	assert.Equal(t, stow.KindFile, info.Kind)

	content, err := backend.GetBytes(ctx, "/f.bin")
	require.NoError(t, err)
	assert.Equal(t, "payload", string(content))
}

func TestListUsesDelimiter(t *testing.T) {
	backend, fake := newTestBackend(t)
	ctx := context.Background()

	now := time.Now()
	for _, key := range []string{"d/one.txt", "d/two.txt", "d/sub/deep.txt"} {
		fake.objects[key] = []byte("x")
		fake.mtimes[key] = now
	}

	infos, err := backend.List(ctx, "/d")
	require.NoError(t, err)

	paths := make([]string, 0, len(infos))
	for _, info := range infos {
		paths = append(paths, info.Path)
	}
	assert.ElementsMatch(t, []string{"/d/one.txt", "/d/two.txt", "/d/sub"}, paths)
}

func TestPutDirectoryUploadsTree(t *testing.T) {
	backend, fake := newTestBackend(t)
	ctx := context.Background()

	src := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(src, "sub"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(src, "a.txt"), []byte("a"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(src, "sub", "b.txt"), []byte("b"), 0o644))

	info, err := backend.Put(ctx, src, "/tree")
	require.NoError(t, err)
	assert.Equal(t, stow.KindDirectory, info.Kind)

	assert.Equal(t, "a", string(fake.objects["tree/a.txt"]))
	assert.Equal(t, "b", string(fake.objects["tree/sub/b.txt"]))
}

func TestEmptyDirectoryPersistsAsMarker(t *testing.T) {
	backend, fake := newTestBackend(t)
	ctx := context.Background()

	info, err := backend.Put(ctx, t.TempDir(), "/empty")
	require.NoError(t, err)
	assert.Equal(t, stow.KindDirectory, info.Kind)

	_, hasMarker := fake.objects["empty/"]
	assert.True(t, hasMarker, "empty directories survive as marker objects")

	// And the marker never shows up as a child.
	infos, err := backend.List(ctx, "/empty")
	require.NoError(t, err)
	assert.Empty(t, infos)
}

func TestRemove(t *testing.T) {
	backend, fake := newTestBackend(t)
	ctx := context.Background()

	assert.NoError(t, backend.Remove(ctx, "/never-existed"))

	now := time.Now()
	for _, key := range []string{"d/a.txt", "d/sub/b.txt", "keep.txt"} {
		fake.objects[key] = []byte("x")
		fake.mtimes[key] = now
	}

	require.NoError(t, backend.Remove(ctx, "/d"))
	assert.NotContains(t, fake.objects, "d/a.txt")
	assert.NotContains(t, fake.objects, "d/sub/b.txt")
	assert.Contains(t, fake.objects, "keep.txt")

	require.NoError(t, backend.Remove(ctx, "/keep.txt"))
	assert.Empty(t, fake.objects)
}

func TestMoveIsServerSide(t *testing.T) {
	backend, fake := newTestBackend(t)
	ctx := context.Background()

	t.Run("single object", func(t *testing.T) {
		fake.objects["from.txt"] = []byte("content")
		fake.mtimes["from.txt"] = time.Now()

		require.NoError(t, backend.Move(ctx, "/from.txt", "/to.txt"))
		assert.NotContains(t, fake.objects, "from.txt")
		assert.Equal(t, "content", string(fake.objects["to.txt"]))
	})

	t.Run("whole prefix", func(t *testing.T) {
		now := time.Now()
		for _, key := range []string{"old/a.txt", "old/sub/b.txt"} {
			fake.objects[key] = []byte("x")
			fake.mtimes[key] = now
		}

		require.NoError(t, backend.Move(ctx, "/old", "/new"))
		assert.NotContains(t, fake.objects, "old/a.txt")
		assert.NotContains(t, fake.objects, "old/sub/b.txt")
		assert.Contains(t, fake.objects, "new/a.txt")
		assert.Contains(t, fake.objects, "new/sub/b.txt")
	})
}

func TestGetMaterializesTree(t *testing.T) {
	backend, fake := newTestBackend(t)
	ctx := context.Background()

	now := time.Now()
	fake.objects["pack/a.txt"] = []byte("alpha")
	fake.objects["pack/sub/b.txt"] = []byte("beta")
	fake.mtimes["pack/a.txt"] = now
	fake.mtimes["pack/sub/b.txt"] = now

	dst := filepath.Join(t.TempDir(), "out")
	require.NoError(t, backend.Get(ctx, "/pack", dst))

	a, err := os.ReadFile(filepath.Join(dst, "a.txt"))
	require.NoError(t, err)
	assert.Equal(t, "alpha", string(a))
	b, err := os.ReadFile(filepath.Join(dst, "sub", "b.txt"))
	require.NoError(t, err)
	assert.Equal(t, "beta", string(b))
}

func TestDigestFromETag(t *testing.T) {
	backend, fake := newTestBackend(t)
	ctx := context.Background()

	fake.objects["h.txt"] = []byte("hello world")
	fake.mtimes["h.txt"] = time.Now()

	digest, err := backend.Digest(ctx, "/h.txt")
	require.NoError(t, err)
	assert.Equal(t, "5eb63bbbe01eeed093cb22bb8f5acdc3", digest)
}

func TestConfig(t *testing.T) {
	backend, _ := newTestBackend(t)
	cfg := backend.Config()
	assert.Equal(t, "s3", cfg["scheme"])
	assert.Equal(t, "test-bucket", cfg["bucket"])
}
