package aws

import (
	"encoding/json"
	"fmt"
	"net/url"
	"sort"
)

type trustPolicy struct {
	Statement []struct {
		Effect    string          `json:"Effect"`
		Principal json.RawMessage `json:"Principal"`
	} `json:"Statement"`
}

// TrustedPrincipals extracts the principals allowed to assume a role from its
// URL-encoded trust policy, as "Type:value" strings sorted for stable output.
func TrustedPrincipals(doc string) ([]string, error) {
	if doc == "" {
		return nil, nil
	}
	decoded, err := url.QueryUnescape(doc)
	if err != nil {
		return nil, fmt.Errorf("decode trust policy: %w", err)
	}

	var policy trustPolicy
	if err := json.Unmarshal([]byte(decoded), &policy); err != nil {
		return nil, fmt.Errorf("parse trust policy: %w", err)
	}

	seen := make(map[string]bool)
	for _, st := range policy.Statement {
		if st.Effect != "" && st.Effect != "Allow" {
			continue
		}
		for _, p := range parsePrincipal(st.Principal) {
			seen[p] = true
		}
	}

	out := make([]string, 0, len(seen))
	for p := range seen {
		out = append(out, p)
	}
	sort.Strings(out)
	return out, nil
}

// parsePrincipal handles "*" and {"Type": "value" | ["values"]}.
func parsePrincipal(raw json.RawMessage) []string {
	if len(raw) == 0 {
		return nil
	}

	var wildcard string
	if err := json.Unmarshal(raw, &wildcard); err == nil {
		return []string{"AWS:" + wildcard}
	}

	var typed map[string]json.RawMessage
	if err := json.Unmarshal(raw, &typed); err != nil {
		return nil
	}

	var out []string
	for kind, v := range typed {
		var one string
		if err := json.Unmarshal(v, &one); err == nil {
			out = append(out, kind+":"+one)
			continue
		}
		var many []string
		if err := json.Unmarshal(v, &many); err == nil {
			for _, m := range many {
				out = append(out, kind+":"+m)
			}
		}
	}
	return out
}
