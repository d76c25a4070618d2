package aws

import (
	"context"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/iam"
	iamtypes "github.com/aws/aws-sdk-go-v2/service/iam/types"
	"github.com/rs/zerolog/log"

	"github.com/yairfalse/varmuus/internal/plugin"
	"github.com/yairfalse/varmuus/internal/scanerr"
	"github.com/yairfalse/varmuus/pkg/resource"
)

const serviceIAM = "iam"

// Token prefixes for the two listings the identity source walks through.
const (
	phaseUsers = "users:"
	phaseRoles = "roles:"
)

// IdentitySource lists IAM users, then IAM roles, under one page token.
type IdentitySource struct {
	clients ClientFactory
}

func (s *IdentitySource) Service() string     { return serviceIAM }
func (s *IdentitySource) Scope() plugin.Scope { return plugin.Global }

// Prepare reads the IAM account summary. A failure is logged and leaves
// the summary out of the report; the users and roles are still listed.
func (s *IdentitySource) Prepare(ctx context.Context, _ string) (resource.UnitFacts, error) {
	out, err := s.clients.IAM().GetAccountSummary(ctx, &iam.GetAccountSummaryInput{})
	if err != nil {
		log.Warn().Err(err).Msg("iam account summary not read")
		return resource.UnitFacts{}, nil
	}

	summary := make(map[string]int, len(out.SummaryMap))
	for k, v := range out.SummaryMap {
		summary[k] = int(v)
	}
	return resource.UnitFacts{AccountSummary: summary}, nil
}

// Page fetches one page of users or roles depending on the token phase.
func (s *IdentitySource) Page(ctx context.Context, _, token string) (plugin.Page, error) {
	switch {
	case token == "":
		return s.usersPage(ctx, "")
	case strings.HasPrefix(token, phaseUsers):
		return s.usersPage(ctx, strings.TrimPrefix(token, phaseUsers))
	case strings.HasPrefix(token, phaseRoles):
		return s.rolesPage(ctx, strings.TrimPrefix(token, phaseRoles))
	default:
		return plugin.Page{}, scanerr.Malformedf("list iam", "unknown page token %q", token)
	}
}

func (s *IdentitySource) usersPage(ctx context.Context, marker string) (plugin.Page, error) {
	client := s.clients.IAM()
	input := &iam.ListUsersInput{}
	if marker != "" {
		input.Marker = aws.String(marker)
	}

	out, err := client.ListUsers(ctx, input)
	if err != nil {
		return plugin.Page{}, fmt.Errorf("list users: %w", err)
	}

	page := plugin.Page{Records: make([]resource.Record, 0, len(out.Users))}
	for _, u := range out.Users {
		rec, err := s.convertUser(ctx, client, u)
		if err != nil {
			return plugin.Page{}, err
		}
		page.Records = append(page.Records, rec)
	}

	// Users exhausted: continue with roles from the start.
	if next := aws.ToString(out.Marker); next != "" {
		page.NextToken = phaseUsers + next
	} else {
		page.NextToken = phaseRoles
	}
	return page, nil
}

func (s *IdentitySource) convertUser(ctx context.Context, client IAMAPI, u iamtypes.User) (resource.Record, error) {
	name := aws.ToString(u.UserName)
	if name == "" {
		return resource.Record{}, scanerr.Malformedf("list users", "user without name")
	}

	attached, err := attachedPolicies(ctx, client, name)
	if err != nil {
		return resource.Record{}, err
	}
	inline, err := inlinePolicies(ctx, client, name)
	if err != nil {
		return resource.Record{}, err
	}

	rec := newRecord(resource.KindIAMUser, serviceIAM, resource.GlobalRegion, name)
	rec.IAMUser = &resource.IAMUserAttrs{
		ARN:              aws.ToString(u.Arn),
		CreatedAt:        u.CreateDate,
		AttachedPolicies: attached,
		InlinePolicies:   inline,
	}
	return rec, nil
}

func attachedPolicies(ctx context.Context, client IAMAPI, user string) ([]string, error) {
	input := &iam.ListAttachedUserPoliciesInput{UserName: aws.String(user)}
	var names []string
	for {
		var out *iam.ListAttachedUserPoliciesOutput
		err := plugin.Call(ctx, "list attached user policies", func(ctx context.Context) error {
			var callErr error
			out, callErr = client.ListAttachedUserPolicies(ctx, input)
			return callErr
		})
		if err != nil {
			return nil, fmt.Errorf("list attached user policies: %w", err)
		}
		for _, p := range out.AttachedPolicies {
			names = append(names, aws.ToString(p.PolicyName))
		}
		if aws.ToString(out.Marker) == "" {
			return names, nil
		}
		input.Marker = out.Marker
	}
}

func inlinePolicies(ctx context.Context, client IAMAPI, user string) ([]string, error) {
	input := &iam.ListUserPoliciesInput{UserName: aws.String(user)}
	var names []string
	for {
		var out *iam.ListUserPoliciesOutput
		err := plugin.Call(ctx, "list user policies", func(ctx context.Context) error {
			var callErr error
			out, callErr = client.ListUserPolicies(ctx, input)
			return callErr
		})
		if err != nil {
			return nil, fmt.Errorf("list user policies: %w", err)
		}
		names = append(names, out.PolicyNames...)
		if aws.ToString(out.Marker) == "" {
			return names, nil
		}
		input.Marker = out.Marker
	}
}

func (s *IdentitySource) rolesPage(ctx context.Context, marker string) (plugin.Page, error) {
	input := &iam.ListRolesInput{}
	if marker != "" {
		input.Marker = aws.String(marker)
	}

	out, err := s.clients.IAM().ListRoles(ctx, input)
	if err != nil {
		return plugin.Page{}, fmt.Errorf("list roles: %w", err)
	}

	page := plugin.Page{Records: make([]resource.Record, 0, len(out.Roles))}
	for _, r := range out.Roles {
		name := aws.ToString(r.RoleName)
		if name == "" {
			return plugin.Page{}, scanerr.Malformedf("list roles", "role without name")
		}

		principals, err := TrustedPrincipals(aws.ToString(r.AssumeRolePolicyDocument))
		if err != nil {
			log.Debug().Err(err).Str("role", name).Msg("trust policy not parsed")
		}

		rec := newRecord(resource.KindIAMRole, serviceIAM, resource.GlobalRegion, name)
		rec.IAMRole = &resource.IAMRoleAttrs{
			ARN:                aws.ToString(r.Arn),
			CreatedAt:          r.CreateDate,
			MaxSessionDuration: aws.ToInt32(r.MaxSessionDuration),
			TrustedPrincipals:  principals,
		}
		page.Records = append(page.Records, rec)
	}

	if next := aws.ToString(out.Marker); next != "" {
		page.NextToken = phaseRoles + next
	}
	return page, nil
}
