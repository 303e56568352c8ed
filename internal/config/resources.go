package config

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/redis/go-redis/v9"

	"github.com/example/canvas-sync/internal/storage"
)

// Resources bundles the three external collaborators of the board authority:
// Postgres holding the per-object field clocks and tombstones, Redis carrying
// the change-envelope pub/sub between instances, and object storage receiving
// board exports. Construction also bootstraps what the domain needs to run:
// the object/export schema and the export bucket.
type Resources struct {
	Postgres *pgxpool.Pool
	Redis    *redis.Client
	Object   *minio.Client

	exportBucket string
}

// NewResources connects to every collaborator, provisions the schema and
// export bucket, and verifies liveness before the server starts accepting
// writers.
func NewResources(ctx context.Context, cfg Config) (*Resources, error) {
	pgCfg, err := pgxpool.ParseConfig(cfg.PostgresURL)
	if err != nil {
		return nil, fmt.Errorf("parse postgres url: %w", err)
	}
	pgPool, err := pgxpool.NewWithConfig(ctx, pgCfg)
	if err != nil {
		return nil, fmt.Errorf("create postgres pool: %w", err)
	}
	if err := storage.EnsureSchema(ctx, pgPool); err != nil {
		pgPool.Close()
		return nil, err
	}

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})

	objectClient, err := minio.New(cfg.ObjectEndpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.ObjectAccessKey, cfg.ObjectSecretKey, ""),
		Secure: cfg.ObjectUseSSL,
		Region: cfg.ObjectRegion,
	})
	if err != nil {
		pgPool.Close()
		_ = redisClient.Close()
		return nil, fmt.Errorf("create object client: %w", err)
	}
	if err := ensureBucket(ctx, objectClient, cfg.ObjectBucket, cfg.ObjectRegion); err != nil {
		pgPool.Close()
		_ = redisClient.Close()
		return nil, err
	}

	res := &Resources{
		Postgres:     pgPool,
		Redis:        redisClient,
		Object:       objectClient,
		exportBucket: cfg.ObjectBucket,
	}

	if err := res.HealthCheck(ctx); err != nil {
		res.Close()
		return nil, err
	}
	return res, nil
}

func ensureBucket(ctx context.Context, client *minio.Client, bucket, region string) error {
	exists, err := client.BucketExists(ctx, bucket)
	if err != nil {
		return fmt.Errorf("check export bucket %q: %w", bucket, err)
	}
	if exists {
		return nil
	}
	if err := client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{Region: region}); err != nil {
		return fmt.Errorf("create export bucket %q: %w", bucket, err)
	}
	return nil
}

// HealthCheck probes each collaborator. A failure here means reconciliation,
// fan-out, or exports would fail too, so the healthcheck loop logs it loudly.
func (r *Resources) HealthCheck(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := r.Postgres.Ping(ctx); err != nil {
		return fmt.Errorf("object authority unreachable: %w", err)
	}
	if err := r.Redis.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("broadcast bus unreachable: %w", err)
	}
	if _, err := r.Object.BucketExists(ctx, r.exportBucket); err != nil {
		return fmt.Errorf("export bucket unreachable: %w", err)
	}
	return nil
}

// Close disposes the Postgres pool and the Redis client. The object storage
// client holds no persistent connection.
func (r *Resources) Close() {
	if r.Postgres != nil {
		r.Postgres.Close()
	}
	if r.Redis != nil {
		_ = r.Redis.Close()
	}
}
