package aws

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"

	"github.com/yairfalse/varmuus/internal/plugin"
	"github.com/yairfalse/varmuus/internal/rules"
	"github.com/yairfalse/varmuus/internal/scanerr"
	"github.com/yairfalse/varmuus/pkg/resource"
)

const serviceSecurityGroups = "security_groups"

// SecurityGroupSource lists security group ingress rules. Each (group,
// permission, source range) becomes one record.
type SecurityGroupSource struct {
	clients ClientFactory
}

func (s *SecurityGroupSource) Service() string     { return serviceSecurityGroups }
func (s *SecurityGroupSource) Scope() plugin.Scope { return plugin.Regional }

// Page fetches one page of security groups and flattens their ingress rules.
func (s *SecurityGroupSource) Page(ctx context.Context, region, token string) (plugin.Page, error) {
	input := &ec2.DescribeSecurityGroupsInput{}
	if token != "" {
		input.NextToken = aws.String(token)
	}

	out, err := s.clients.EC2(region).DescribeSecurityGroups(ctx, input)
	if err != nil {
		return plugin.Page{}, fmt.Errorf("describe security groups: %w", err)
	}

	var page plugin.Page
	for _, sg := range out.SecurityGroups {
		recs, err := convertSecurityGroup(region, sg)
		if err != nil {
			return plugin.Page{}, err
		}
		page.Records = append(page.Records, recs...)
	}
	page.NextToken = aws.ToString(out.NextToken)
	return page, nil
}

func convertSecurityGroup(region string, sg ec2types.SecurityGroup) ([]resource.Record, error) {
	groupID := aws.ToString(sg.GroupId)
	if groupID == "" {
		return nil, scanerr.Malformedf("describe security groups", "security group without id in %s", region)
	}
	groupName := aws.ToString(sg.GroupName)

	var recs []resource.Record
	for _, perm := range sg.IpPermissions {
		protocol, from, to := normalizePermission(perm)

		var cidrs []string
		for _, r := range perm.IpRanges {
			cidrs = append(cidrs, aws.ToString(r.CidrIp))
		}
		for _, r := range perm.Ipv6Ranges {
			cidrs = append(cidrs, aws.ToString(r.CidrIpv6))
		}

		for _, cidr := range cidrs {
			if cidr == "" {
				continue
			}
			id := fmt.Sprintf("%s/%s/%s/%s", groupID, protocol, rules.PortRange(from, to), cidr)
			rec := newRecord(resource.KindSecurityGroupRule, serviceSecurityGroups, region, id)
			rec.SecurityGroupRule = &resource.SecurityGroupRuleAttrs{
				GroupID:   groupID,
				GroupName: groupName,
				Protocol:  protocol,
				FromPort:  from,
				ToPort:    to,
				CIDR:      cidr,
			}
			recs = append(recs, rec)
		}
	}
	return recs, nil
}

// normalizePermission returns the protocol and port range of a permission.
// Protocol "-1" means all traffic on all ports.
func normalizePermission(perm ec2types.IpPermission) (string, *int32, *int32) {
	protocol := aws.ToString(perm.IpProtocol)
	if protocol == "-1" || protocol == "" {
		return "all", nil, nil
	}
	from, to := perm.FromPort, perm.ToPort
	if from != nil && *from == -1 {
		from, to = nil, nil
	}
	return protocol, from, to
}
