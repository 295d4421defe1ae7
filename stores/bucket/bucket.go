package bucketstore

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"strings"

	kitlog "github.com/go-kit/log"
	"github.com/thanos-io/objstore"
	"github.com/thanos-io/objstore/providers/filesystem"
	"github.com/thanos-io/objstore/providers/s3"
	"gopkg.in/yaml.v2"
)

const (
	ProviderS3         = "S3"
	ProviderFilesystem = "FILESYSTEM"
)

// BucketConfig follows the thanos client config layout:
//
//	type: S3
//	config:
//	  bucket: ...
type BucketConfig struct {
	Type   string      `yaml:"type"`
	Config interface{} `yaml:"config"`
}

type fsConfig struct {
	Directory string `yaml:"directory"`
}

type BucketStore struct {
	objstore.Bucket
}

// ParseConfig reads a yaml (or json) bucket config.
func ParseConfig(raw []byte) (BucketConfig, error) {
	var cfg BucketConfig
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return cfg, fmt.Errorf("cannot parse bucket config: %w", err)
	}
	cfg.Type = strings.ToUpper(cfg.Type)
	return cfg, nil
}

func New(cfg BucketConfig) (*BucketStore, error) {
	// nb config is re-marshalled so each provider can unmarshal its own
	// struct, as the thanos client factory does
	raw, err := yaml.Marshal(cfg.Config)
	if err != nil {
		return nil, fmt.Errorf("cannot marshal %s bucket config: %w", cfg.Type, err)
	}

	var bucket objstore.Bucket
	switch strings.ToUpper(cfg.Type) {
	case ProviderS3:
		var s3Config s3.Config
		if err := yaml.Unmarshal(raw, &s3Config); err != nil {
			return nil, fmt.Errorf("cannot parse s3 config: %w", err)
		}
		wrt := func(rt http.RoundTripper) http.RoundTripper {
			return rt
		}
		kitlogger := kitlog.NewJSONLogger(kitlog.NewSyncWriter(os.Stdout))
		bucket, err = s3.NewBucketWithConfig(kitlogger, s3Config, "uam", wrt)
	case ProviderFilesystem:
		var fs fsConfig
		if err := yaml.Unmarshal(raw, &fs); err != nil {
			return nil, fmt.Errorf("cannot parse filesystem config: %w", err)
		}
		if fs.Directory == "" {
			return nil, fmt.Errorf("filesystem bucket needs a directory")
		}
		bucket, err = filesystem.NewBucket(fs.Directory)
	default:
		return nil, fmt.Errorf("unsupported bucket type %q", cfg.Type)
	}
	if err != nil {
		return nil, fmt.Errorf("cannot configure bucket store: %w", err)
	}

	return &BucketStore{Bucket: bucket}, nil
}

func (b *BucketStore) Ping(ctx context.Context) error {
	_, err := b.Bucket.Exists(ctx, "ping")
	return err
}
