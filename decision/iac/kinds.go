package iac

import "slices"

// ResourceKind enumerates the resource types a widget is made of.
type ResourceKind string

const (
	KindEcrRepository         ResourceKind = "EcrRepository"
	KindIamRole               ResourceKind = "IamRole"
	KindIamRolePolicy         ResourceKind = "IamRolePolicy"
	KindLogGroup              ResourceKind = "LogGroup"
	KindLambdaFunction        ResourceKind = "LambdaFunction"
	KindLambdaPermission      ResourceKind = "LambdaPermission"
	KindTargetGroup           ResourceKind = "TargetGroup"
	KindTargetGroupAttachment ResourceKind = "TargetGroupAttachment"
	KindListenerRule          ResourceKind = "ListenerRule"
)

// Kinds lists every kind in the order a widget's resources are declared.
var Kinds = []ResourceKind{
	KindEcrRepository,
	KindIamRole,
	KindIamRolePolicy,
	KindLogGroup,
	KindLambdaFunction,
	KindLambdaPermission,
	KindTargetGroup,
	KindTargetGroupAttachment,
	KindListenerRule,
}

// Schema describes how a kind's attributes behave under change.
type Schema struct {
	Kind          ResourceKind
	TerraformType string
	Taggable      bool
	// Immutable attributes force a Replace when they change. Everything else,
	// including references to other resources, is updated in place.
	Immutable []string
}

var schemas = map[ResourceKind]Schema{
	KindEcrRepository: {
		Kind: KindEcrRepository, TerraformType: "aws_ecr_repository", Taggable: true,
		Immutable: []string{AttrName},
	},
	KindIamRole: {
		Kind: KindIamRole, TerraformType: "aws_iam_role", Taggable: true,
		Immutable: []string{AttrName},
	},
	KindIamRolePolicy: {
		Kind: KindIamRolePolicy, TerraformType: "aws_iam_role_policy",
		Immutable: []string{AttrName},
	},
	KindLogGroup: {
		Kind: KindLogGroup, TerraformType: "aws_cloudwatch_log_group", Taggable: true,
		Immutable: []string{AttrName},
	},
	KindLambdaFunction: {
		Kind: KindLambdaFunction, TerraformType: "aws_lambda_function", Taggable: true,
		Immutable: []string{AttrName, AttrPackageType},
	},
	KindLambdaPermission: {
		Kind: KindLambdaPermission, TerraformType: "aws_lambda_permission",
		Immutable: []string{AttrStatementID},
	},
	KindTargetGroup: {
		Kind: KindTargetGroup, TerraformType: "aws_lb_target_group", Taggable: true,
		Immutable: []string{AttrName, AttrTargetType},
	},
	KindTargetGroupAttachment: {
		Kind: KindTargetGroupAttachment, TerraformType: "aws_lb_target_group_attachment",
	},
	KindListenerRule: {
		Kind: KindListenerRule, TerraformType: "aws_lb_listener_rule", Taggable: true,
		Immutable: []string{AttrListenerARN},
	},
}

// SchemaFor returns the schema of a kind. Unknown kinds get an empty schema
// in which nothing is taggable and nothing is immutable.
func SchemaFor(kind ResourceKind) Schema {
	if s, ok := schemas[kind]; ok {
		return s
	}
	return Schema{Kind: kind, TerraformType: string(kind)}
}

// IsImmutable reports whether changing attr forces replacement.
func (s Schema) IsImmutable(attr string) bool {
	return slices.Contains(s.Immutable, attr)
}

// Valid reports whether k is a known kind.
func (k ResourceKind) Valid() bool {
	_, ok := schemas[k]
	return ok
}

// Attribute keys shared by the builder, the provisioners and the validator.
const (
	AttrName               = "name"
	AttrTags               = "tags"
	AttrImageTagMutability = "image_tag_mutability"
	AttrScanOnPush         = "scan_on_push"
	AttrForceDelete        = "force_delete"
	AttrAssumeRolePolicy   = "assume_role_policy"
	AttrRole               = "role"
	AttrPolicy             = "policy"
	AttrRetentionInDays    = "retention_in_days"
	AttrPackageType        = "package_type"
	AttrImageRepository    = "image_repository"
	AttrImageTag           = "image_tag"
	AttrMemorySize         = "memory_size"
	AttrTimeout            = "timeout"
	AttrEnvironment        = "environment_variables"
	AttrLogGroup           = "log_group"
	AttrStatementID        = "statement_id"
	AttrFunction           = "function"
	AttrAction             = "action"
	AttrPrincipal          = "principal"
	AttrSourceARN          = "source_arn"
	AttrTargetType         = "target_type"
	AttrHealthCheckPath    = "health_check_path"
	AttrTargetGroup        = "target_group"
	AttrTarget             = "target"
	AttrListenerARN        = "listener_arn"
	AttrPriority           = "priority"
	AttrPathPatterns       = "path_patterns"
)
