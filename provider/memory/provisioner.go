// Package memory is an in-process provisioner. It backs the memory provider
// of the command line and the executor tests, and can inject failures.
package memory

import (
	"context"
	"fmt"
	"maps"
	"sort"
	"strings"
	"sync"

	"slugger-infra/db/state"
	"slugger-infra/decision/iac"
	rerrors "slugger-infra/pkg/errors"
)

// Resource is a provisioned resource.
type Resource struct {
	Identity   string
	Kind       iac.ResourceKind
	Name       string
	Attributes map[string]any
}

// Call records one provisioner call.
type Call struct {
	Op         string
	ResourceID string
	Identity   string
}

// fault fails the next Times calls of Op on ResourceID. Times < 0 fails every
// call.
type fault struct {
	op    string
	times int
	err   func(resourceID string) error
}

// Provisioner keeps resources in memory.
type Provisioner struct {
	region  string
	account string

	mu        sync.Mutex
	resources map[string]*Resource
	faults    map[string][]*fault
	calls     []Call
	seq       int
}

// New creates an empty provisioner.
func New(region, account string) *Provisioner {
	if region == "" {
		region = "us-east-1"
	}
	if account == "" {
		account = "000000000000"
	}
	return &Provisioner{
		region:    region,
		account:   account,
		resources: make(map[string]*Resource),
		faults:    make(map[string][]*fault),
	}
}

// FailTransient makes the next times calls of op ("create", "update",
// "destroy") on resourceID fail with a transient error.
func (p *Provisioner) FailTransient(resourceID, op string, times int) {
	p.inject(resourceID, op, times, func(id string) error {
		return &rerrors.TransientProviderError{ResourceID: id, Operation: op, Reason: "Throttling"}
	})
}

// FailPermanent makes every call of op on resourceID fail permanently with
// reasonCode.
func (p *Provisioner) FailPermanent(resourceID, op, reasonCode string) {
	p.inject(resourceID, op, -1, func(id string) error {
		return &rerrors.PermanentProviderError{
			ResourceID: id,
			Operation:  op,
			ReasonCode: reasonCode,
			Err:        fmt.Errorf("injected %s failure", reasonCode),
		}
	})
}

// ClearFaults removes every injected failure.
func (p *Provisioner) ClearFaults() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.faults = make(map[string][]*fault)
}

func (p *Provisioner) inject(resourceID, op string, times int, errFn func(string) error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.faults[resourceID] = append(p.faults[resourceID], &fault{op: op, times: times, err: errFn})
}

// Calls returns every call made so far.
func (p *Provisioner) Calls() []Call {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Call(nil), p.calls...)
}

// Resources returns the provisioned resources sorted by identity.
func (p *Provisioner) Resources() []Resource {
	p.mu.Lock()
	defer p.mu.Unlock()
	ids := make([]string, 0, len(p.resources))
	for id := range p.resources {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	out := make([]Resource, 0, len(ids))
	for _, id := range ids {
		out = append(out, *p.resources[id])
	}
	return out
}

// Mutate changes a live resource behind the reconciler's back.
func (p *Provisioner) Mutate(identity string, fn func(attrs map[string]any)) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	res, ok := p.resources[identity]
	if ok {
		fn(res.Attributes)
	}
	return ok
}

func (p *Provisioner) Create(_ context.Context, node *iac.ResourceNode) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, Call{Op: "create", ResourceID: node.ID})
	if err := p.check(node.ID, "create"); err != nil {
		return "", err
	}
	if err := p.checkPriority(node, "", "create"); err != nil {
		return "", err
	}

	identity := p.identity(node)
	if _, exists := p.resources[identity]; exists {
		return "", &rerrors.PermanentProviderError{
			ResourceID: node.ID,
			Operation:  "create",
			ReasonCode: "ResourceAlreadyExists",
			Err:        fmt.Errorf("%s already exists", identity),
		}
	}
	p.resources[identity] = &Resource{Identity: identity, Kind: node.Kind, Name: node.Name, Attributes: maps.Clone(node.Attributes)}
	p.calls[len(p.calls)-1].Identity = identity
	return identity, nil
}

func (p *Provisioner) Update(_ context.Context, node *iac.ResourceNode, prior *state.Record) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, Call{Op: "update", ResourceID: node.ID, Identity: prior.RemoteIdentity})
	if err := p.check(node.ID, "update"); err != nil {
		return "", err
	}
	res, ok := p.resources[prior.RemoteIdentity]
	if !ok {
		return "", &rerrors.PermanentProviderError{
			ResourceID: node.ID,
			Operation:  "update",
			ReasonCode: "ResourceNotFound",
			Err:        fmt.Errorf("%s does not exist", prior.RemoteIdentity),
		}
	}
	if err := p.checkPriority(node, prior.RemoteIdentity, "update"); err != nil {
		return "", err
	}
	res.Attributes = maps.Clone(node.Attributes)
	return prior.RemoteIdentity, nil
}

func (p *Provisioner) Destroy(_ context.Context, prior *state.Record) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, Call{Op: "destroy", ResourceID: prior.ResourceID, Identity: prior.RemoteIdentity})
	if err := p.check(prior.ResourceID, "destroy"); err != nil {
		return err
	}
	delete(p.resources, prior.RemoteIdentity)
	return nil
}

// Describe returns the live attributes of a recorded resource.
func (p *Provisioner) Describe(_ context.Context, rec *state.Record) (map[string]any, bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	res, ok := p.resources[rec.RemoteIdentity]
	if !ok {
		return nil, false, nil
	}
	return maps.Clone(res.Attributes), true, nil
}

func (p *Provisioner) check(resourceID, op string) error {
	for _, f := range p.faults[resourceID] {
		if f.op != op || f.times == 0 {
			continue
		}
		if f.times > 0 {
			f.times--
		}
		return f.err(resourceID)
	}
	return nil
}

// checkPriority rejects a listener rule whose priority another rule on the
// same listener already holds.
func (p *Provisioner) checkPriority(node *iac.ResourceNode, self, operation string) error {
	if node.Kind != iac.KindListenerRule {
		return nil
	}
	want := iac.SharedKeys(node.Kind, node.Attributes)
	for id, res := range p.resources {
		if id == self || res.Kind != iac.KindListenerRule {
			continue
		}
		held := iac.SharedKeys(res.Kind, res.Attributes)
		if len(want) > 0 && len(held) > 0 && want[0] == held[0] {
			return &rerrors.PermanentProviderError{
				ResourceID: node.ID,
				Operation:  operation,
				ReasonCode: "PriorityInUse",
				Err:        fmt.Errorf("priority already held by %s", id),
			}
		}
	}
	return nil
}

func (p *Provisioner) identity(node *iac.ResourceNode) string {
	attrs := node.Attributes
	str := func(key string) string {
		s, _ := attrs[key].(string)
		return s
	}
	name := str(iac.AttrName)
	if name == "" {
		name = node.Name
	}
	p.seq++
	switch node.Kind {
	case iac.KindEcrRepository:
		return fmt.Sprintf("arn:aws:ecr:%s:%s:repository/%s", p.region, p.account, name)
	case iac.KindIamRole:
		return fmt.Sprintf("arn:aws:iam::%s:role/%s", p.account, name)
	case iac.KindIamRolePolicy:
		return lastSegment(str(iac.AttrRole)) + ":" + name
	case iac.KindLogGroup:
		return fmt.Sprintf("arn:aws:logs:%s:%s:log-group:%s", p.region, p.account, name)
	case iac.KindLambdaFunction:
		return fmt.Sprintf("arn:aws:lambda:%s:%s:function:%s", p.region, p.account, name)
	case iac.KindLambdaPermission:
		return str(iac.AttrFunction) + "|" + str(iac.AttrStatementID)
	case iac.KindTargetGroup:
		return fmt.Sprintf("arn:aws:elasticloadbalancing:%s:%s:targetgroup/%s/%016x", p.region, p.account, name, p.seq)
	case iac.KindTargetGroupAttachment:
		return str(iac.AttrTargetGroup) + "|" + str(iac.AttrTarget)
	case iac.KindListenerRule:
		listener := strings.Replace(str(iac.AttrListenerARN), ":listener/", ":listener-rule/", 1)
		return fmt.Sprintf("%s/%016x", listener, p.seq)
	default:
		return fmt.Sprintf("%s/%s", node.Kind, name)
	}
}

func lastSegment(arn string) string {
	if i := strings.LastIndex(arn, "/"); i >= 0 {
		return arn[i+1:]
	}
	return arn
}
