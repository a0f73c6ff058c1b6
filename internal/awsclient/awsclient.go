// Package awsclient loads the shared AWS configuration used by every service client.
package awsclient

import (
	"context"
	"fmt"
	"os"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"

	"github.com/sh3r4rd/file_metrics/internal/config"
)

// Local emulators accept any key pair.
const (
	localAccessKeyID     = "test"
	localSecretAccessKey = "test"
)

// Load builds an aws.Config for cfg.Region. When cfg.EndpointURL points at a
// local emulator and no credentials are present in the environment, static
// placeholder credentials are used.
func Load(ctx context.Context, cfg config.Config) (aws.Config, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Region),
	}

	if cfg.EndpointURL != "" && os.Getenv("AWS_ACCESS_KEY_ID") == "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(localAccessKeyID, localSecretAccessKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return aws.Config{}, fmt.Errorf("failed to load AWS config: %w", err)
	}
	return awsCfg, nil
}
