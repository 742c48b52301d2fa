package platform

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
)

const defaultAWSRegion = "us-east-1"

// AWSOptions selects the region and, for local emulators, an endpoint and
// static credentials.
type AWSOptions struct {
	Region    string
	Endpoint  string
	AccessKey string
	SecretKey string
}

// AWSOptionsFromEnv reads SLUGGER_AWS_* with AWS_REGION as region fallback.
func AWSOptionsFromEnv() AWSOptions {
	return AWSOptions{
		Region:    GetEnv("SLUGGER_AWS_REGION", GetEnv("AWS_REGION", "")),
		Endpoint:  GetEnv("SLUGGER_AWS_ENDPOINT", ""),
		AccessKey: GetEnv("SLUGGER_AWS_ACCESS_KEY", ""),
		SecretKey: GetEnv("SLUGGER_AWS_SECRET_KEY", ""),
	}
}

// LoadAWSConfig loads the default credential chain unless static keys are
// set. A non-empty Endpoint is used as base endpoint for every service.
func LoadAWSConfig(ctx context.Context, opts AWSOptions) (aws.Config, error) {
	region := opts.Region
	if region == "" {
		region = defaultAWSRegion
	}

	loaders := []func(*config.LoadOptions) error{config.WithRegion(region)}
	if opts.AccessKey != "" && opts.SecretKey != "" {
		creds := credentials.NewStaticCredentialsProvider(opts.AccessKey, opts.SecretKey, "")
		loaders = append(loaders, config.WithCredentialsProvider(creds))
	}
	cfg, err := config.LoadDefaultConfig(ctx, loaders...)
	if err != nil {
		return aws.Config{}, fmt.Errorf("failed to load AWS configuration: %w", err)
	}
	if opts.Endpoint != "" {
		cfg.BaseEndpoint = aws.String(opts.Endpoint)
	}
	return cfg, nil
}
