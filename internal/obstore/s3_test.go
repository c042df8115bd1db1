package obstore_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go/modules/minio"

	"github.com/serieslake-io/serieslake/internal/obstore"
)

// startMinio runs a MinIO container, creates a bucket and returns a Store
// pointed at it.
func startMinio(t *testing.T) *obstore.S3 {
	t.Helper()
	ctx := context.Background()

	minioContainer, err := minio.Run(ctx, "minio/minio:latest",
		minio.WithUsername("minioadmin"),
		minio.WithPassword("minioadmin"),
	)
	require.NoError(t, err)
	t.Cleanup(func() {
		if err := minioContainer.Terminate(context.Background()); err != nil {
			t.Logf("failed to cleanup minio container: %v", err)
		}
	})

	host, err := minioContainer.Host(ctx)
	require.NoError(t, err)
	if host == "localhost" {
		host = "127.0.0.1"
	}
	port, err := minioContainer.MappedPort(ctx, "9000")
	require.NoError(t, err)
	endpoint := fmt.Sprintf("http://%s:%s", host, port.Port())

	creds := credentials.NewStaticCredentialsProvider(
		minioContainer.Username,
		minioContainer.Password,
		"",
	)
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion("us-east-1"),
		awsconfig.WithCredentialsProvider(creds),
	)
	require.NoError(t, err)

	bucket := "serieslake-test"
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.BaseEndpoint = &endpoint
		o.UsePathStyle = true
	})
	_, err = client.CreateBucket(ctx, &s3.CreateBucketInput{Bucket: &bucket})
	require.NoError(t, err)

	store, err := obstore.NewS3(ctx, obstore.S3Config{
		Bucket:          bucket,
		Region:          "us-east-1",
		Endpoint:        endpoint,
		AccessKeyID:     minioContainer.Username,
		SecretAccessKey: minioContainer.Password,
		MaxRetryElapsed: 5 * time.Second,
	})
	require.NoError(t, err)
	return store
}

func TestObstore_S3_Integration(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	t.Parallel()

	ctx := context.Background()
	store := startMinio(t)

	t.Run("roundtrip and not found", func(t *testing.T) {
		_, err := store.Get(ctx, "datasets/ipc/current/manifest.json")
		require.ErrorIs(t, err, obstore.ErrNotFound)

		etag, err := store.Put(ctx, "datasets/ipc/current/manifest.json", []byte(`{"v":1}`),
			obstore.WithContentType("application/json"))
		require.NoError(t, err)
		require.NotEmpty(t, etag)

		body, gotETag, err := store.GetWithETag(ctx, "datasets/ipc/current/manifest.json")
		require.NoError(t, err)
		require.Equal(t, []byte(`{"v":1}`), body)
		require.Equal(t, etag, gotETag)
	})

	t.Run("conditional put", func(t *testing.T) {
		etag, err := store.Put(ctx, "cas/ptr.json", []byte("one"))
		require.NoError(t, err)

		_, err = store.Put(ctx, "cas/ptr.json", []byte("two"), obstore.WithIfMatch(`"0000"`))
		require.ErrorIs(t, err, obstore.ErrPreconditionFailed)

		_, err = store.Put(ctx, "cas/ptr.json", []byte("two"), obstore.WithIfMatch(etag))
		require.NoError(t, err)

		_, err = store.Put(ctx, "cas/ptr.json", []byte("three"), obstore.WithIfNoneMatch())
		require.ErrorIs(t, err, obstore.ErrPreconditionFailed)
	})

	t.Run("list paginates whole prefix", func(t *testing.T) {
		for i := 0; i < 12; i++ {
			_, err := store.Put(ctx, fmt.Sprintf("many/%04d", i), []byte("x"))
			require.NoError(t, err)
		}
		keys, err := store.List(ctx, "many/")
		require.NoError(t, err)
		require.Len(t, keys, 12)
		require.Equal(t, "many/0000", keys[0])
	})

	t.Run("copy and delete", func(t *testing.T) {
		_, err := store.Put(ctx, "wal/.tmp/data.parquet", []byte("rows"))
		require.NoError(t, err)

		require.NoError(t, store.Copy(ctx, "wal/.tmp/data.parquet", "wal/data.parquet"))
		body, err := store.Get(ctx, "wal/data.parquet")
		require.NoError(t, err)
		require.Equal(t, []byte("rows"), body)

		require.NoError(t, store.Delete(ctx, "wal/.tmp/data.parquet"))
		require.NoError(t, store.Delete(ctx, "wal/.tmp/data.parquet"))
	})
}
