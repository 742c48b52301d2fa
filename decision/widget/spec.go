// Package widget defines the per-widget configuration every other component
// derives its resources from.
package widget

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"dario.cat/mergo"
	"github.com/go-playground/validator/v10"
)

// Mandated tag keys and the fixed values of the project-wide ones.
const (
	TagProject     = "Project"
	TagComponent   = "Component"
	TagEnvironment = "Environment"
	TagManagedBy   = "ManagedBy"

	ProjectName = "slugger"
	ManagedBy   = "terraform"
)

// MandatedTagKeys lists the tag keys every taggable resource must carry.
var MandatedTagKeys = []string{TagProject, TagComponent, TagEnvironment, TagManagedBy}

// Spec is the desired configuration of one widget. It is immutable once a
// plan has been generated from it; reconfiguration replaces it wholesale.
type Spec struct {
	Name                 string            `yaml:"name" json:"name" validate:"required,widgetname"`
	Environment          string            `yaml:"environment" json:"environment" validate:"required"`
	Tags                 map[string]string `yaml:"tags" json:"tags"`
	MemorySize           int               `yaml:"memory_size" json:"memory_size" validate:"gt=0,lte=10240"`
	TimeoutSeconds       int               `yaml:"timeout_seconds" json:"timeout_seconds" validate:"gt=0,lte=900"`
	LogRetentionDays     int               `yaml:"log_retention_days" json:"log_retention_days" validate:"gte=0"`
	ImageTag             string            `yaml:"image_tag" json:"image_tag" validate:"required"`
	EnvironmentVariables map[string]string `yaml:"environment_variables" json:"environment_variables"`
	Priority             *int              `yaml:"priority,omitempty" json:"priority,omitempty" validate:"omitempty,gt=0,lte=50000"`
}

var widgetNamePattern = regexp.MustCompile(`^[a-z][a-z0-9-]{0,31}$`)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	_ = v.RegisterValidation("widgetname", func(fl validator.FieldLevel) bool {
		name := fl.Field().String()
		return widgetNamePattern.MatchString(name) && !strings.HasSuffix(name, "-")
	})
	return v
}

// Component is the Component tag value for the widget.
func (s Spec) Component() string {
	return "widget-" + s.Name
}

// PathPatterns returns the exact and wildcard path patterns routed to the widget.
func (s Spec) PathPatterns() []string {
	return []string{"/widgets/" + s.Name, "/widgets/" + s.Name + "/*"}
}

// MandatedTags returns the four widget-scoped tags with their required values.
func (s Spec) MandatedTags() map[string]string {
	return map[string]string{
		TagProject:     ProjectName,
		TagComponent:   s.Component(),
		TagEnvironment: s.Environment,
		TagManagedBy:   ManagedBy,
	}
}

// ApplyDefaults fills the mandated tags that are not set explicitly. Explicit
// values are kept so the tag policy can flag them.
func (s *Spec) ApplyDefaults() error {
	if s.Tags == nil {
		s.Tags = map[string]string{}
	}
	if err := mergo.Merge(&s.Tags, s.MandatedTags()); err != nil {
		return fmt.Errorf("failed to merge default tags for widget %s: %w", s.Name, err)
	}
	if s.EnvironmentVariables == nil {
		s.EnvironmentVariables = map[string]string{}
	}
	return nil
}

// Validate checks field constraints.
func (s Spec) Validate() error {
	if err := validate.Struct(s); err != nil {
		return fmt.Errorf("widget %q: %w", s.Name, err)
	}
	return nil
}

// Clone returns a deep copy.
func (s Spec) Clone() Spec {
	out := s
	out.Tags = copyMap(s.Tags)
	out.EnvironmentVariables = copyMap(s.EnvironmentVariables)
	if s.Priority != nil {
		p := *s.Priority
		out.Priority = &p
	}
	return out
}

// Names returns the widget names in registration order.
func Names(specs []Spec) []string {
	out := make([]string, 0, len(specs))
	for _, s := range specs {
		out = append(out, s.Name)
	}
	return out
}

// Index maps widget name to spec.
func Index(specs []Spec) map[string]Spec {
	out := make(map[string]Spec, len(specs))
	for _, s := range specs {
		out[s.Name] = s
	}
	return out
}

// SortedKeys returns the keys of m in ascending order.
func SortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func copyMap(in map[string]string) map[string]string {
	if in == nil {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
