package aws

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"

	"github.com/yairfalse/varmuus/internal/plugin"
	"github.com/yairfalse/varmuus/internal/scanerr"
	"github.com/yairfalse/varmuus/pkg/resource"
)

const serviceEC2 = "ec2"

// snapshotProbeSize bounds the snapshot listing used to detect presence.
const snapshotProbeSize = 5

// InstanceSource lists EC2 instances.
type InstanceSource struct {
	clients ClientFactory
}

func (s *InstanceSource) Service() string     { return serviceEC2 }
func (s *InstanceSource) Scope() plugin.Scope { return plugin.Regional }

// Prepare records whether the region holds any snapshot owned by the account.
func (s *InstanceSource) Prepare(ctx context.Context, region string) (resource.UnitFacts, error) {
	client := s.clients.EC2(region)
	input := &ec2.DescribeSnapshotsInput{
		OwnerIds:   []string{"self"},
		MaxResults: aws.Int32(snapshotProbeSize),
	}

	out, err := client.DescribeSnapshots(ctx, input)
	for {
		if err != nil {
			return resource.UnitFacts{}, fmt.Errorf("describe snapshots: %w", err)
		}
		if len(out.Snapshots) > 0 {
			return resource.UnitFacts{SnapshotsPresent: true}, nil
		}
		if aws.ToString(out.NextToken) == "" {
			return resource.UnitFacts{}, nil
		}
		input.NextToken = out.NextToken
		err = plugin.Call(ctx, "describe snapshots", func(ctx context.Context) error {
			var callErr error
			out, callErr = client.DescribeSnapshots(ctx, input)
			return callErr
		})
	}
}

// Page fetches one page of instances.
func (s *InstanceSource) Page(ctx context.Context, region, token string) (plugin.Page, error) {
	input := &ec2.DescribeInstancesInput{}
	if token != "" {
		input.NextToken = aws.String(token)
	}

	out, err := s.clients.EC2(region).DescribeInstances(ctx, input)
	if err != nil {
		return plugin.Page{}, fmt.Errorf("describe instances: %w", err)
	}

	var page plugin.Page
	for _, res := range out.Reservations {
		for _, inst := range res.Instances {
			rec, err := convertInstance(region, inst)
			if err != nil {
				return plugin.Page{}, err
			}
			page.Records = append(page.Records, rec)
		}
	}
	page.NextToken = aws.ToString(out.NextToken)
	return page, nil
}

func convertInstance(region string, inst ec2types.Instance) (resource.Record, error) {
	id := aws.ToString(inst.InstanceId)
	if id == "" {
		return resource.Record{}, scanerr.Malformedf("describe instances", "instance without id in %s", region)
	}

	state := ""
	if inst.State != nil {
		state = string(inst.State.Name)
	}

	rec := newRecord(resource.KindInstance, serviceEC2, region, id)
	rec.Instance = &resource.InstanceAttrs{
		State:        state,
		InstanceType: string(inst.InstanceType),
	}
	return rec, nil
}
