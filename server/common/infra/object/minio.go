package object

import (
	"context"
	"fmt"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	commonlog "rtc_server/server/common/log"
)

type Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
}

// Open connects to the object store and makes sure the media bucket exists.
func Open(ctx context.Context, cfg Config) (*minio.Client, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("media bucket is required")
	}
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, err
	}
	created, err := ensureBucket(ctx, client, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("ensure bucket %s: %w", cfg.Bucket, err)
	}
	commonlog.Infof("event=object action=open status=ok endpoint=%s bucket=%s created=%t", cfg.Endpoint, cfg.Bucket, created)
	return client, nil
}

func ensureBucket(ctx context.Context, client *minio.Client, bucket string) (bool, error) {
	exists, err := client.BucketExists(ctx, bucket)
	if err != nil {
		return false, err
	}
	if exists {
		return false, nil
	}
	if err := client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{}); err != nil {
		// lost a race with another instance
		if again, checkErr := client.BucketExists(ctx, bucket); checkErr == nil && again {
			return false, nil
		}
		return false, err
	}
	return true, nil
}
