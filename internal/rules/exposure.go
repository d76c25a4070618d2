package rules

import (
	"fmt"

	"github.com/yairfalse/varmuus/pkg/resource"
)

const (
	anyIPv4 = "0.0.0.0/0"
	anyIPv6 = "::/0"
)

// allowedPublicPorts may be reachable from anywhere when the rule opens
// exactly that single port.
var allowedPublicPorts = map[int32]bool{80: true, 443: true}

// PublicExposure flags ingress rules open to the whole internet.
type PublicExposure struct{}

func (PublicExposure) ID() string   { return "PUBLIC_EXPOSURE" }
func (PublicExposure) Name() string { return "Security group open to world" }

func (r PublicExposure) Evaluate(in Input) Output {
	rec := in.Record
	if rec.Kind != resource.KindSecurityGroupRule {
		return Output{}
	}
	sg := rec.SecurityGroupRule
	if sg.CIDR != anyIPv4 && sg.CIDR != anyIPv6 {
		return Output{}
	}
	if sg.FromPort != nil && sg.ToPort != nil && *sg.FromPort == *sg.ToPort && allowedPublicPorts[*sg.FromPort] {
		return Output{}
	}

	portRange := PortRange(sg.FromPort, sg.ToPort)
	f := newFinding(r, rec, "OPEN_TO_WORLD", resource.SeverityHigh,
		fmt.Sprintf("security group %s (%s) allows %s %s from %s", sg.GroupID, sg.GroupName, sg.Protocol, portRange, sg.CIDR))
	f.Metadata = map[string]any{
		"group_id":   sg.GroupID,
		"group_name": sg.GroupName,
		"protocol":   sg.Protocol,
		"port_range": portRange,
		"cidr":       sg.CIDR,
	}
	return Output{Findings: []resource.Finding{f}}
}

// PortRange formats a port range as "from-to", or "all" when unbounded.
func PortRange(from, to *int32) string {
	if from == nil || to == nil {
		return "all"
	}
	return fmt.Sprintf("%d-%d", *from, *to)
}
