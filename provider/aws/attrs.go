package aws

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"slugger-infra/db/state"
	"slugger-infra/decision/iac"
)

// attrs reads resolved node attributes. Values come either from the graph
// builder or from decoded state, so numbers may be json.Number.
type attrs map[string]any

func (a attrs) str(key string) string {
	switch v := a[key].(type) {
	case string:
		return v
	case nil:
		return ""
	default:
		return fmt.Sprint(v)
	}
}

func (a attrs) integer(key string) int32 {
	switch v := a[key].(type) {
	case int:
		return int32(v)
	case int32:
		return v
	case int64:
		return int32(v)
	case float64:
		return int32(v)
	case json.Number:
		n, _ := v.Int64()
		return int32(n)
	case string:
		n, _ := strconv.Atoi(v)
		return int32(n)
	default:
		return 0
	}
}

func (a attrs) flag(key string) bool {
	switch v := a[key].(type) {
	case bool:
		return v
	case string:
		b, _ := strconv.ParseBool(v)
		return b
	default:
		return false
	}
}

func (a attrs) list(key string) []string {
	switch v := a[key].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			out = append(out, fmt.Sprint(item))
		}
		return out
	default:
		return nil
	}
}

func (a attrs) stringMap(key string) map[string]string {
	switch v := a[key].(type) {
	case map[string]string:
		return v
	case map[string]any:
		out := make(map[string]string, len(v))
		for k, val := range v {
			out[k] = fmt.Sprint(val)
		}
		return out
	default:
		return map[string]string{}
	}
}

func (a attrs) tags() map[string]string {
	return a.stringMap(iac.AttrTags)
}

// removedTags returns, sorted, the tag keys recorded for prior that the
// desired tags no longer carry. Tagging calls only add or overwrite keys.
func removedTags(desired map[string]string, prior *state.Record) []string {
	if prior == nil {
		return nil
	}
	var removed []string
	for _, k := range sortedKeys(attrs(prior.LastKnownAttributes).tags()) {
		if _, ok := desired[k]; !ok {
			removed = append(removed, k)
		}
	}
	return removed
}

// sortedKeys returns the keys of m sorted, so tag lists are built in a stable
// order.
func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// arnResource returns the part of an ARN after the last '/', or after the
// last ':' when it has no '/'.
func arnResource(arn string) string {
	if i := strings.LastIndex(arn, "/"); i >= 0 {
		return arn[i+1:]
	}
	if i := strings.LastIndex(arn, ":"); i >= 0 {
		return arn[i+1:]
	}
	return arn
}

// imageURI builds the registry URI of a tagged image from a repository ARN,
// arn:aws:ecr:<region>:<account>:repository/<name>.
func imageURI(repositoryARN, tag string) (string, error) {
	parts := strings.SplitN(repositoryARN, ":", 6)
	if len(parts) != 6 || parts[2] != "ecr" || !strings.HasPrefix(parts[5], "repository/") {
		return "", fmt.Errorf("not an ECR repository ARN: %q", repositoryARN)
	}
	region, account := parts[3], parts[4]
	name := strings.TrimPrefix(parts[5], "repository/")
	return fmt.Sprintf("%s.dkr.ecr.%s.amazonaws.com/%s:%s", account, region, name, tag), nil
}

// splitIdentity splits a composite identity "a|b".
func splitIdentity(identity string) (string, string, error) {
	a, b, ok := strings.Cut(identity, "|")
	if !ok || a == "" || b == "" {
		return "", "", fmt.Errorf("malformed identity %q", identity)
	}
	return a, b, nil
}
