package aws

import (
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/iam"
	"github.com/aws/aws-sdk-go-v2/service/rds"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/sts"
)

// ClientFactory builds service clients. Regional clients are scoped to the
// given region; IAM and STS are global.
// Inject a mock factory in tests to replace real SDK clients.
type ClientFactory interface {
	EC2(region string) EC2API
	RDS(region string) RDSAPI
	S3(region string) S3API
	IAM() IAMAPI
	STS() STSAPI
}

// sdkClients is the production ClientFactory. Clients are created lazily and
// cached per region.
type sdkClients struct {
	cfg aws.Config

	mu  sync.Mutex
	ec2 map[string]*ec2.Client
	rds map[string]*rds.Client
	s3  map[string]*s3.Client
	iam *iam.Client
	sts *sts.Client
}

// NewClientFactory returns a ClientFactory backed by the AWS SDK.
func NewClientFactory(cfg aws.Config) ClientFactory {
	return &sdkClients{
		cfg: cfg,
		ec2: make(map[string]*ec2.Client),
		rds: make(map[string]*rds.Client),
		s3:  make(map[string]*s3.Client),
	}
}

func (c *sdkClients) EC2(region string) EC2API {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cl, ok := c.ec2[region]; ok {
		return cl
	}
	cl := ec2.NewFromConfig(c.cfg, func(o *ec2.Options) { o.Region = region })
	c.ec2[region] = cl
	return cl
}

func (c *sdkClients) RDS(region string) RDSAPI {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cl, ok := c.rds[region]; ok {
		return cl
	}
	cl := rds.NewFromConfig(c.cfg, func(o *rds.Options) { o.Region = region })
	c.rds[region] = cl
	return cl
}

func (c *sdkClients) S3(region string) S3API {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cl, ok := c.s3[region]; ok {
		return cl
	}
	cl := s3.NewFromConfig(c.cfg, func(o *s3.Options) { o.Region = region })
	c.s3[region] = cl
	return cl
}

func (c *sdkClients) IAM() IAMAPI {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.iam == nil {
		c.iam = iam.NewFromConfig(c.cfg)
	}
	return c.iam
}

func (c *sdkClients) STS() STSAPI {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sts == nil {
		c.sts = sts.NewFromConfig(c.cfg)
	}
	return c.sts
}
