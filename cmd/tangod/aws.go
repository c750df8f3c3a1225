package main

import (
	"context"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/ec2"

	"github.com/tangoremote/tango/internal/config"
	"github.com/tangoremote/tango/internal/vmms/cloud"
)

// newEC2Client loads AWS credentials/region the standard SDK way
// (env vars, shared config, instance role) and returns an EC2 client
// satisfying cloud.EC2API. If cfg pins static credentials, those
// override the default chain.
func newEC2Client(ctx context.Context, cfg config.CloudConfig) (cloud.EC2API, error) {
	opts := []func(*awsconfig.LoadOptions) error{}
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}
	if cfg.AccessKeyID != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, err
	}
	return ec2.NewFromConfig(awsCfg), nil
}
