//go:build integration

package s3_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	awss3 "github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/Kieran-Bacon/stow"
	s3backend "github.com/Kieran-Bacon/stow/backend/s3"
)

// startMinio launches a MinIO container and returns an SDK client pointed at
// it with path-style addressing.
func startMinio(t *testing.T) *awss3.Client {
	t.Helper()
	ctx := context.Background()

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "minio/minio:latest",
			Cmd:          []string{"server", "/data"},
			ExposedPorts: []string{"9000/tcp"},
			Env: map[string]string{
				"MINIO_ROOT_USER":     "minioadmin",
				"MINIO_ROOT_PASSWORD": "minioadmin",
			},
			WaitingFor: wait.ForHTTP("/minio/health/live").
				WithPort("9000/tcp").
				WithStartupTimeout(2 * time.Minute),
		},
		Started: true,
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		if err := container.Terminate(context.Background()); err != nil {
			t.Logf("terminate minio container: %v", err)
		}
	})

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "9000/tcp")
	require.NoError(t, err)
	endpoint := fmt.Sprintf("http://%s:%s", host, port.Port())

	cfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion("us-east-1"),
		awsconfig.WithCredentialsProvider(aws.CredentialsProviderFunc(
			func(ctx context.Context) (aws.Credentials, error) {
				return aws.Credentials{
					AccessKeyID:     "minioadmin",
					SecretAccessKey: "minioadmin",
				}, nil
			})),
	)
	require.NoError(t, err)

	return awss3.NewFromConfig(cfg, func(o *awss3.Options) {
		o.BaseEndpoint = aws.String(endpoint)
		o.UsePathStyle = true
	})
}

func TestIntegrationManagerOverS3(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	client := startMinio(t)
	ctx := context.Background()

	const bucket = "stow-it"
	_, err := client.CreateBucket(ctx, &awss3.CreateBucketInput{Bucket: aws.String(bucket)})
	require.NoError(t, err)

	backend, err := s3backend.New(ctx, bucket, s3backend.WithClient(client))
	require.NoError(t, err)
	manager := stow.New(backend)

	t.Run("round trip", func(t *testing.T) {
		_, err := manager.Put(ctx, stow.Bytes([]byte("remote payload")), stow.Path("/dir/file.txt"))
		require.NoError(t, err)

		content, err := manager.GetBytes(ctx, stow.Path("/dir/file.txt"))
		require.NoError(t, err)
		assert.Equal(t, "remote payload", string(content))
	})

	t.Run("directory listing", func(t *testing.T) {
		_, err := manager.Put(ctx, stow.Bytes([]byte("two")), stow.Path("/dir/sub/other.txt"))
		require.NoError(t, err)

		arts, err := manager.Ls(ctx, stow.Path("/dir"))
		require.NoError(t, err)
		paths := make([]string, 0, len(arts))
		for _, art := range arts {
			paths = append(paths, art.Path())
		}
		assert.ElementsMatch(t, []string{"/dir/file.txt", "/dir/sub"}, paths)
	})

	t.Run("digest comes from the etag", func(t *testing.T) {
		art, err := manager.Artefact(ctx, stow.Path("/dir/file.txt"))
		require.NoError(t, err)
		file, ok := art.(*stow.File)
		require.True(t, ok)

		digest, err := file.Digest(ctx)
		require.NoError(t, err)
		assert.Len(t, digest, 32)
	})

	t.Run("remove prunes the prefix", func(t *testing.T) {
		require.NoError(t, manager.Rm(ctx, stow.Path("/dir"), stow.RmRecursive()))

		exists, err := manager.Exists(ctx, stow.Path("/dir"))
		require.NoError(t, err)
		assert.False(t, exists)
	})
}
