package objstore_test

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/kiranshivaraju/gwasflow/internal/objstore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

func TestParseLocation(t *testing.T) {
	tests := []struct {
		in      string
		want    objstore.Location
		wantErr bool
	}{
		{in: "s3://bucket/data/run1/", want: objstore.Location{Bucket: "bucket", Key: "data/run1/"}},
		{in: "s3://bucket/a.bim", want: objstore.Location{Bucket: "bucket", Key: "a.bim"}},
		{in: "s3://bucket", want: objstore.Location{Bucket: "bucket"}},
		{in: "s3:///key", wantErr: true},
		{in: "/local/path", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := objstore.ParseLocation(tt.in)
			if tt.wantErr {
				assert.ErrorIs(t, err, objstore.ErrInvalidLocation)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestLocation_String(t *testing.T) {
	assert.Equal(t, "s3://b/k/x", objstore.Location{Bucket: "b", Key: "k/x"}.String())
}

func TestJoinAndDir(t *testing.T) {
	assert.Equal(t, "s3://b/in/chr.bim", objstore.Join("s3://b/in/", "chr.bim"))
	assert.Equal(t, "s3://b/in/chr.bim", objstore.Join("s3://b/in", "/chr.bim"))
	assert.Equal(t, "x", objstore.Join("", "x"))
	assert.Equal(t, "s3://b/in/", objstore.Dir("s3://b/in"))
	assert.Equal(t, "s3://b/in/", objstore.Dir("s3://b/in/"))
}

func TestLocalStore(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	s := objstore.LocalStore{}

	path := filepath.Join(dir, "nested", "params.json")
	ok, err := s.Exists(ctx, path)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.PutJSON(ctx, path, map[string]string{"a": "b"}))

	ok, err = s.Exists(ctx, "file://"+path)
	require.NoError(t, err)
	assert.True(t, ok)

	rc, err := s.Open(ctx, path)
	require.NoError(t, err)
	defer rc.Close()
	b, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.JSONEq(t, `{"a":"b"}`, string(b))
}

func TestRouter_NoObjectStore(t *testing.T) {
	r := objstore.NewRouter(nil)
	_, err := r.Exists(context.Background(), "s3://bucket/key")
	assert.ErrorIs(t, err, objstore.ErrNotConfigured)

	path := filepath.Join(t.TempDir(), "f.txt")
	require.NoError(t, os.WriteFile(path, []byte("x"), 0o644))
	ok, err := r.Exists(context.Background(), path)
	require.NoError(t, err)
	assert.True(t, ok)
}

func setupMinio(t *testing.T) *objstore.MinioStore {
	t.Helper()
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "minio/minio:latest",
		ExposedPorts: []string{"9000/tcp"},
		Cmd:          []string{"server", "/data"},
		Env: map[string]string{
			"MINIO_ROOT_USER":     "minioadmin",
			"MINIO_ROOT_PASSWORD": "minioadmin",
		},
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

	ms, err := objstore.NewMinioStore(
		objstore.WithEndpoint(host+":"+port.Port()),
		objstore.WithCredentials("minioadmin", "minioadmin"),
		objstore.WithSSL(false),
	)
	require.NoError(t, err)
	require.NoError(t, ms.EnsureBucket(ctx, "gwas"))
	return ms
}

func TestMinioStore_Roundtrip(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	ms := setupMinio(t)
	ctx := context.Background()

	loc := "s3://gwas/workflows/wf-1/workflow_params_wf-1.json"
	ok, err := ms.Exists(ctx, loc)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, ms.PutJSON(ctx, loc, map[string]int{"blockSize": 1000}))

	ok, err = ms.Exists(ctx, loc)
	require.NoError(t, err)
	assert.True(t, ok)

	rc, err := ms.Open(ctx, loc)
	require.NoError(t, err)
	defer rc.Close()
	b, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.JSONEq(t, `{"blockSize":1000}`, string(b))

	_, err = ms.Open(ctx, "s3://gwas/missing.bim")
	assert.Error(t, err)

	// idempotent
	require.NoError(t, ms.EnsureBucket(ctx, "gwas"))
}
