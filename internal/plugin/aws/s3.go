package aws

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/rs/zerolog/log"

	"github.com/yairfalse/varmuus/internal/plugin"
	"github.com/yairfalse/varmuus/pkg/resource"
)

const serviceS3 = "s3"

// bucketPageSize is the number of buckets requested per ListBuckets call.
const bucketPageSize = 1000

// BucketSource lists S3 buckets. Buckets are listed once per run and each one
// is attributed to the region it lives in.
type BucketSource struct {
	clients    ClientFactory
	homeRegion string
}

func (s *BucketSource) Service() string     { return serviceS3 }
func (s *BucketSource) Scope() plugin.Scope { return plugin.Global }

// Page fetches one page of buckets and resolves location and versioning for
// each. Every lookup goes through the page's plugin.Gate. A failed lookup is
// recorded on that bucket's record; a lookup that could not run because the
// run stopped aborts the page.
func (s *BucketSource) Page(ctx context.Context, _, token string) (plugin.Page, error) {
	input := &s3.ListBucketsInput{MaxBuckets: aws.Int32(bucketPageSize)}
	if token != "" {
		input.ContinuationToken = aws.String(token)
	}

	home := s.clients.S3(s.homeRegion)
	out, err := home.ListBuckets(ctx, input)
	if err != nil {
		return plugin.Page{}, fmt.Errorf("list buckets: %w", err)
	}

	page := plugin.Page{Records: make([]resource.Record, 0, len(out.Buckets))}
	for _, b := range out.Buckets {
		name := aws.ToString(b.Name)
		if name == "" {
			continue
		}
		rec, err := s.describeBucket(ctx, home, name, b.CreationDate)
		if err != nil {
			return plugin.Page{}, err
		}
		page.Records = append(page.Records, rec)
	}
	page.NextToken = aws.ToString(out.ContinuationToken)
	return page, nil
}

func (s *BucketSource) describeBucket(ctx context.Context, home S3API, name string, created *time.Time) (resource.Record, error) {
	attrs := &resource.BucketAttrs{CreatedAt: created}

	region, err := bucketRegion(ctx, home, name)
	if err != nil {
		if plugin.Interrupted(err) {
			return resource.Record{}, err
		}
		log.Warn().Err(err).Str("bucket", name).Msg("bucket location lookup failed")
		attrs.LocationLookupFailed = true
		region = resource.UnknownRegion
	}

	// Versioning must be read through the bucket's own region.
	client := home
	if !attrs.LocationLookupFailed {
		client = s.clients.S3(region)
	}
	status, err := bucketVersioning(ctx, client, name)
	if err != nil {
		if plugin.Interrupted(err) {
			return resource.Record{}, err
		}
		log.Warn().Err(err).Str("bucket", name).Msg("bucket versioning lookup failed")
		attrs.VersioningLookupFailed = true
	}
	attrs.VersioningStatus = status

	rec := newRecord(resource.KindBucket, serviceS3, region, name)
	rec.Bucket = attrs
	return rec, nil
}

func bucketRegion(ctx context.Context, client S3API, name string) (string, error) {
	var out *s3.GetBucketLocationOutput
	err := plugin.Call(ctx, "get bucket location", func(ctx context.Context) error {
		var callErr error
		out, callErr = client.GetBucketLocation(ctx, &s3.GetBucketLocationInput{Bucket: aws.String(name)})
		return callErr
	})
	if err != nil {
		return "", fmt.Errorf("get bucket location: %w", err)
	}
	return NormalizeBucketRegion(out.LocationConstraint), nil
}

// NormalizeBucketRegion maps a location constraint to a region name.
// Buckets in us-east-1 report an empty constraint and very old eu-west-1
// buckets report "EU".
func NormalizeBucketRegion(c s3types.BucketLocationConstraint) string {
	switch c {
	case "":
		return "us-east-1"
	case "EU":
		return "eu-west-1"
	default:
		return string(c)
	}
}

func bucketVersioning(ctx context.Context, client S3API, name string) (string, error) {
	var out *s3.GetBucketVersioningOutput
	err := plugin.Call(ctx, "get bucket versioning", func(ctx context.Context) error {
		var callErr error
		out, callErr = client.GetBucketVersioning(ctx, &s3.GetBucketVersioningInput{Bucket: aws.String(name)})
		return callErr
	})
	if err != nil {
		return "", fmt.Errorf("get bucket versioning: %w", err)
	}
	return string(out.Status), nil
}
