package blob_test

import (
	"context"
	"io"
	"net/http"
	"testing"
	"time"

	"github.com/ninjaorg/hyadmin/internal/blob"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// setupMinio spins up a MinIO container and returns a store with its bucket created.
func setupMinio(t *testing.T) *blob.MinioStore {
	t.Helper()
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "minio/minio:latest",
		ExposedPorts: []string{"9000/tcp"},
		Env: map[string]string{
			"MINIO_ROOT_USER":     "minioadmin",
			"MINIO_ROOT_PASSWORD": "minioadmin",
		},
		Cmd:        []string{"server", "/data"},
		WaitingFor: wait.ForHTTP("/minio/health/live").WithPort("9000/tcp").WithStartupTimeout(60 * time.Second),
	}
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, container.Terminate(ctx)) })

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "9000")
	require.NoError(t, err)

	s, err := blob.NewMinioStore(blob.MinioConfig{
		Endpoint:  host + ":" + port.Port(),
		AccessKey: "minioadmin",
		SecretKey: "minioadmin",
		Bucket:    "hyadmin-test",
		Region:    "us-east-1",
	})
	require.NoError(t, err)
	require.NoError(t, s.EnsureBucket(ctx))
	// second call is a no-op
	require.NoError(t, s.EnsureBucket(ctx))
	return s
}

func TestMinioStore_PutPresignExists(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	s := setupMinio(t)
	ctx := context.Background()

	obj, err := s.Put(ctx, "1700000000000-abcdef12.png", []byte("png-bytes"), "image/png")
	require.NoError(t, err)
	assert.Equal(t, "s3://hyadmin-test/1700000000000-abcdef12.png", obj.Locator)
	assert.Equal(t, "/api/v1/files/1700000000000-abcdef12.png", obj.Path)

	ok, err := s.Exists(ctx, obj.Key)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.Exists(ctx, "missing.png")
	require.NoError(t, err)
	assert.False(t, ok)

	u, err := s.PresignedGet(ctx, obj.Key, time.Minute)
	require.NoError(t, err)

	resp, err := http.Get(u)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, []byte("png-bytes"), body)
}
