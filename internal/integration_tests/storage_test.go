//go:build integration

package integrationtests

import (
	"context"
	"image/color"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"testing"
	"time"

	"mediaforge-backend/internal/assets"
	"mediaforge-backend/internal/storage"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testProvider(t *testing.T, ctx context.Context, store storage.Provider) {
	const bucket = "training-data"

	require.NoError(t, store.CreateBucket(ctx, bucket))
	// creating an existing bucket is not an error
	require.NoError(t, store.CreateBucket(ctx, bucket))

	require.NoError(t, store.PutObject(ctx, bucket, "brand-1/a.txt", strings.NewReader("hello")))
	require.NoError(t, store.PutObject(ctx, bucket, "brand-1/nested/b.txt", strings.NewReader("world!")))
	require.NoError(t, store.PutObject(ctx, bucket, "brand-2/c.txt", strings.NewReader("other")))

	data, err := store.GetObject(ctx, bucket, "brand-1/a.txt")
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))

	objs, err := store.ListObjects(ctx, bucket, "brand-1/")
	require.NoError(t, err)
	names := make([]string, 0, len(objs))
	for _, obj := range objs {
		names = append(names, obj.Name)
	}
	sort.Strings(names)
	assert.Equal(t, []string{"brand-1/a.txt", "brand-1/nested/b.txt"}, names)

	count := 0
	for obj, err := range store.IterObjects(ctx, bucket, "brand-2/") {
		require.NoError(t, err)
		assert.Equal(t, "brand-2/c.txt", obj.Name)
		assert.EqualValues(t, 5, obj.Size)
		count++
	}
	assert.Equal(t, 1, count)

	dest := filepath.Join(t.TempDir(), "downloads", "b.txt")
	require.NoError(t, store.DownloadObject(ctx, bucket, "brand-1/nested/b.txt", dest))
	local, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, "world!", string(local))

	_, err = store.GetObject(ctx, bucket, "missing.txt")
	assert.Error(t, err)
}

func TestS3Provider(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	endpoint := setupMinioContainer(t, ctx)

	store, err := storage.NewS3Provider(ctx, storage.S3ClientConfig{
		Endpoint:        "http://" + endpoint,
		Region:          "us-east-1",
		AccessKeyID:     minioUsername,
		SecretAccessKey: minioPassword,
	})
	require.NoError(t, err)

	testProvider(t, ctx, store)
}

func TestMinioProvider(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	endpoint := setupMinioContainer(t, ctx)

	store, err := storage.NewMinioProvider(storage.MinioConfig{
		Endpoint:  endpoint,
		AccessKey: minioUsername,
		SecretKey: minioPassword,
		Region:    "us-east-1",
	})
	require.NoError(t, err)

	testProvider(t, ctx, store)
}

func TestFetcherAgainstMinio(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	endpoint := setupMinioContainer(t, ctx)

	store, err := storage.NewMinioProvider(storage.MinioConfig{
		Endpoint:  endpoint,
		AccessKey: minioUsername,
		SecretKey: minioPassword,
		Region:    "us-east-1",
	})
	require.NoError(t, err)

	require.NoError(t, store.CreateBucket(ctx, "training"))
	for _, name := range []string{"a.png", "b.JPG", "c.jpeg", "notes.txt"} {
		require.NoError(t, store.PutObject(ctx, "training", "brand-1/"+name, strings.NewReader(string(pngBytes(t, color.White)))))
	}

	fetcher := assets.NewFetcher(store)
	paths, err := fetcher.FetchImages(ctx, "training", "brand-1/", t.TempDir())
	require.NoError(t, err)
	assert.Len(t, paths, 3)

	outDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(outDir, "adapter_model.safetensors"), []byte("weights"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(outDir, "README.md"), []byte("skip"), 0644))

	require.NoError(t, store.CreateBucket(ctx, "models"))
	uri, err := fetcher.UploadDir(ctx, outDir, "models", "models/brand-1/", []string{".safetensors"})
	require.NoError(t, err)
	assert.Equal(t, "gs://models/models/brand-1/", uri)

	objs, err := store.ListObjects(ctx, "models", "models/brand-1/")
	require.NoError(t, err)
	require.Len(t, objs, 1)
	assert.Equal(t, "models/brand-1/adapter_model.safetensors", objs[0].Name)
}
