package aws

import "slugger-infra/decision/iac"

// RegisterAllHandlers registers a handler for every widget resource kind.
func RegisterAllHandlers(p *Provisioner) {
	// Image and identity
	p.RegisterHandler(&ecrRepositoryHandler{api: p.clients.ECR})
	p.RegisterHandler(&iamRoleHandler{api: p.clients.IAM})
	p.RegisterHandler(&iamRolePolicyHandler{api: p.clients.IAM})

	// Compute
	p.RegisterHandler(&logGroupHandler{api: p.clients.Logs, region: p.discovered.Region, account: p.discovered.AccountID})
	p.RegisterHandler(&lambdaFunctionHandler{api: p.clients.Lambda})
	p.RegisterHandler(&lambdaPermissionHandler{api: p.clients.Lambda})

	// Routing
	p.RegisterHandler(&targetGroupHandler{api: p.clients.ELB})
	p.RegisterHandler(&targetGroupAttachmentHandler{api: p.clients.ELB})
	p.RegisterHandler(&listenerRuleHandler{api: p.clients.ELB})
}

// SupportedKinds returns the kinds with a registered handler.
func (p *Provisioner) SupportedKinds() []iac.ResourceKind {
	out := make([]iac.ResourceKind, 0, len(p.handlers))
	for _, kind := range iac.Kinds {
		if _, ok := p.handlers[kind]; ok {
			out = append(out, kind)
		}
	}
	return out
}
