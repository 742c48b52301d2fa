package iac

import (
	"encoding/json"
	"fmt"
	"maps"

	"slugger-infra/decision/routing"
	"slugger-infra/decision/widget"
)

// GraphBuilder builds the desired resource graph from widget specs.
type GraphBuilder struct {
	discovered widget.Discovered
	// resolveImplicit adds a dependency edge for every ${...} reference found in
	// a node's attributes, on top of the declared ones.
	resolveImplicit bool
}

// NewGraphBuilder creates a new graph builder. Discovered identifiers are
// embedded as constants; they never become nodes.
func NewGraphBuilder(discovered widget.Discovered) *GraphBuilder {
	return &GraphBuilder{
		discovered:      discovered,
		resolveImplicit: true,
	}
}

// Build creates one graph holding the nodes of every widget.
func (b *GraphBuilder) Build(specs []widget.Spec, table *routing.Table) (*Graph, error) {
	g := NewGraph()
	for _, spec := range specs {
		assignment, ok := table.Lookup(spec.Name)
		if !ok {
			return nil, fmt.Errorf("widget %s has no routing assignment", spec.Name)
		}
		nodes, err := b.WidgetNodes(spec, assignment)
		if err != nil {
			return nil, err
		}
		for _, n := range nodes {
			if err := g.Add(n); err != nil {
				return nil, err
			}
		}
	}
	if err := g.Validate(); err != nil {
		return nil, err
	}
	return g, nil
}

// WidgetNodes instantiates the nine nodes of one widget.
func (b *GraphBuilder) WidgetNodes(spec widget.Spec, route routing.Assignment) ([]*ResourceNode, error) {
	w := spec.Name
	functionName := "lambda-widget-" + w
	roleName := functionName + "-role"
	logGroupName := "/aws/lambda/" + functionName

	policyDoc, err := b.rolePolicy(logGroupName)
	if err != nil {
		return nil, err
	}

	ecr := NewNode(KindEcrRepository, w, "widget-"+w, map[string]any{
		AttrName:               "widget-" + w,
		AttrImageTagMutability: "IMMUTABLE",
		AttrScanOnPush:         true,
		AttrForceDelete:        true,
	})

	role := NewNode(KindIamRole, w, roleName, map[string]any{
		AttrName:             roleName,
		AttrAssumeRolePolicy: assumeRolePolicy,
	})

	policy := NewNode(KindIamRolePolicy, w, functionName+"-policy", map[string]any{
		AttrName:   functionName + "-policy",
		AttrRole:   Ref(role.ID),
		AttrPolicy: policyDoc,
	})

	logs := NewNode(KindLogGroup, w, logGroupName, map[string]any{
		AttrName:            logGroupName,
		AttrRetentionInDays: spec.LogRetentionDays,
	})

	env := make(map[string]string, len(spec.EnvironmentVariables))
	for k, v := range spec.EnvironmentVariables {
		env[k] = v
	}
	fn := NewNode(KindLambdaFunction, w, functionName, map[string]any{
		AttrName:            functionName,
		AttrPackageType:     "Image",
		AttrRole:            Ref(role.ID),
		AttrImageRepository: Ref(ecr.ID),
		AttrImageTag:        spec.ImageTag,
		AttrMemorySize:      spec.MemorySize,
		AttrTimeout:         spec.TimeoutSeconds,
		AttrEnvironment:     env,
		AttrLogGroup:        Ref(logs.ID),
	})
	fn.DependsOn.Add(policy.ID)

	tg := NewNode(KindTargetGroup, w, "tg-widget-"+w, map[string]any{
		AttrName:            "tg-widget-" + w,
		AttrTargetType:      "lambda",
		AttrHealthCheckPath: "/widgets/" + w + "/health",
	})

	perm := NewNode(KindLambdaPermission, w, functionName+"-alb", map[string]any{
		AttrStatementID: "AllowExecutionFromALB",
		AttrFunction:    Ref(fn.ID),
		AttrAction:      "lambda:InvokeFunction",
		AttrPrincipal:   "elasticloadbalancing.amazonaws.com",
		AttrSourceARN:   Ref(tg.ID),
	})

	attach := NewNode(KindTargetGroupAttachment, w, "tg-widget-"+w+"-attachment", map[string]any{
		AttrTargetGroup: Ref(tg.ID),
		AttrTarget:      Ref(fn.ID),
	})
	attach.DependsOn.Add(perm.ID)

	rule := NewNode(KindListenerRule, w, "rule-widget-"+w, map[string]any{
		AttrListenerARN:  b.discovered.ListenerARN,
		AttrPriority:     route.Priority,
		AttrPathPatterns: append([]string(nil), route.PathPatterns...),
		AttrTargetGroup:  Ref(tg.ID),
	})
	rule.SharedKeys = SharedKeys(KindListenerRule, rule.Attributes)

	nodes := []*ResourceNode{ecr, role, policy, logs, fn, perm, tg, attach, rule}
	for _, n := range nodes {
		if SchemaFor(n.Kind).Taggable {
			t := maps.Clone(spec.Tags)
			if t == nil {
				t = map[string]string{}
			}
			n.Attributes[AttrTags] = t
		}
		if b.resolveImplicit {
			for _, ref := range References(n.Attributes) {
				if ref != n.ID {
					n.DependsOn.Add(ref)
				}
			}
		}
	}
	return nodes, nil
}

// SharedKeys returns the keys of external resources a resource of the given
// kind holds exclusively, read from its attributes. Listener rules hold a
// priority slot on their listener.
func SharedKeys(kind ResourceKind, attrs map[string]any) []string {
	if kind != KindListenerRule {
		return nil
	}
	listener, priority := attrs[AttrListenerARN], attrs[AttrPriority]
	if listener == nil || priority == nil {
		return nil
	}
	return []string{fmt.Sprintf("listener:%v:priority:%v", listener, priority)}
}

const assumeRolePolicy = `{"Version":"2012-10-17","Statement":[{"Effect":"Allow","Principal":{"Service":"lambda.amazonaws.com"},"Action":"sts:AssumeRole"}]}`

func (b *GraphBuilder) rolePolicy(logGroupName string) (string, error) {
	region, account := b.discovered.Region, b.discovered.AccountID
	if region == "" {
		region = "*"
	}
	if account == "" {
		account = "*"
	}
	doc := map[string]any{
		"Version": "2012-10-17",
		"Statement": []map[string]any{
			{
				"Effect":   "Allow",
				"Action":   []string{"logs:CreateLogStream", "logs:PutLogEvents"},
				"Resource": fmt.Sprintf("arn:aws:logs:%s:%s:log-group:%s:*", region, account, logGroupName),
			},
			{
				"Effect":   "Allow",
				"Action":   []string{"ecr:GetDownloadUrlForLayer", "ecr:BatchGetImage"},
				"Resource": "*",
			},
		},
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		return "", fmt.Errorf("failed to render role policy: %w", err)
	}
	return string(raw), nil
}
