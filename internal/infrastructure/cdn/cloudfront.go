// Package cdn issues edge cache invalidations for published packages.
package cdn

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/cloudfront"
	"github.com/aws/aws-sdk-go-v2/service/cloudfront/types"
	"github.com/google/uuid"

	"github.com/hszk-dev/hlspack/internal/domain/repository"
)

var ErrNoPaths = errors.New("no invalidation paths")

// cloudFrontAPI is the subset of *cloudfront.Client used here.
type cloudFrontAPI interface {
	CreateInvalidation(ctx context.Context, params *cloudfront.CreateInvalidationInput, optFns ...func(*cloudfront.Options)) (*cloudfront.CreateInvalidationOutput, error)
}

// Config holds CloudFront settings. An empty DistributionID disables
// invalidation.
type Config struct {
	DistributionID string
	Region         string
}

// New returns a CloudFront invalidator, or a NoopInvalidator when no
// distribution is configured.
func New(ctx context.Context, cfg Config) (repository.CDNInvalidator, error) {
	if cfg.DistributionID == "" {
		return NoopInvalidator{}, nil
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	return newCloudFrontInvalidator(cloudfront.NewFromConfig(awsCfg), cfg.DistributionID), nil
}

// CloudFrontInvalidator implements repository.CDNInvalidator.
type CloudFrontInvalidator struct {
	client         cloudFrontAPI
	distributionID string
}

// Compile-time verification that CloudFrontInvalidator implements repository.CDNInvalidator.
var _ repository.CDNInvalidator = (*CloudFrontInvalidator)(nil)

func newCloudFrontInvalidator(client cloudFrontAPI, distributionID string) *CloudFrontInvalidator {
	return &CloudFrontInvalidator{client: client, distributionID: distributionID}
}

// Invalidate submits one invalidation batch and returns its ID.
func (c *CloudFrontInvalidator) Invalidate(ctx context.Context, paths ...string) (string, error) {
	if len(paths) == 0 {
		return "", ErrNoPaths
	}

	out, err := c.client.CreateInvalidation(ctx, &cloudfront.CreateInvalidationInput{
		DistributionId: aws.String(c.distributionID),
		InvalidationBatch: &types.InvalidationBatch{
			CallerReference: aws.String(uuid.NewString()),
			Paths: &types.Paths{
				Quantity: aws.Int32(int32(len(paths))),
				Items:    paths,
			},
		},
	})
	if err != nil {
		return "", fmt.Errorf("failed to create invalidation: %w", err)
	}

	if out.Invalidation == nil {
		return "", nil
	}
	return aws.ToString(out.Invalidation.Id), nil
}

// NoopInvalidator is used when no CDN sits in front of the bucket.
type NoopInvalidator struct{}

// Invalidate does nothing.
func (NoopInvalidator) Invalidate(context.Context, ...string) (string, error) {
	return "", nil
}
