// Package aws provisions widget resources through the AWS SDK. Each resource
// kind is served by a handler registered with the provisioner.
package aws

import (
	"context"
	"fmt"
	"log/slog"

	"slugger-infra/db/state"
	"slugger-infra/decision/iac"
	"slugger-infra/decision/widget"
)

// Handler creates, updates, destroys and describes resources of one kind.
type Handler interface {
	// Kind returns the resource kind this handler serves.
	Kind() iac.ResourceKind

	// Create provisions the node and returns its remote identity.
	Create(ctx context.Context, node *iac.ResourceNode) (string, error)

	// Update converges an existing resource onto the node's attributes.
	Update(ctx context.Context, node *iac.ResourceNode, prior *state.Record) (string, error)

	// Destroy removes the resource. A resource that is already gone is not an
	// error.
	Destroy(ctx context.Context, prior *state.Record) error

	// Describe reads the live attributes of the resource. ok is false when it
	// does not exist.
	Describe(ctx context.Context, prior *state.Record) (map[string]any, bool, error)
}

// Provisioner dispatches operations to the handler of each resource kind.
type Provisioner struct {
	clients    Clients
	discovered widget.Discovered
	handlers   map[iac.ResourceKind]Handler
	logger     *slog.Logger
}

// NewProvisioner creates a provisioner with every handler registered.
func NewProvisioner(clients Clients, discovered widget.Discovered, logger *slog.Logger) *Provisioner {
	if logger == nil {
		logger = slog.Default()
	}
	p := &Provisioner{
		clients:    clients,
		discovered: discovered,
		handlers:   make(map[iac.ResourceKind]Handler),
		logger:     logger,
	}
	RegisterAllHandlers(p)
	return p
}

// RegisterHandler adds a handler, replacing any for the same kind.
func (p *Provisioner) RegisterHandler(h Handler) {
	p.handlers[h.Kind()] = h
}

// RegisterHandlers adds multiple handlers
func (p *Provisioner) RegisterHandlers(handlers ...Handler) {
	for _, h := range handlers {
		p.RegisterHandler(h)
	}
}

func (p *Provisioner) handler(kind iac.ResourceKind) (Handler, error) {
	h, ok := p.handlers[kind]
	if !ok {
		return nil, fmt.Errorf("no handler registered for %s", kind)
	}
	return h, nil
}

func (p *Provisioner) Create(ctx context.Context, node *iac.ResourceNode) (string, error) {
	h, err := p.handler(node.Kind)
	if err != nil {
		return "", err
	}
	identity, err := h.Create(ctx, node)
	if err != nil {
		return "", classify(err, node.ID, "create")
	}
	p.logger.Debug("created resource", "resource", node.ID, "identity", identity)
	return identity, nil
}

func (p *Provisioner) Update(ctx context.Context, node *iac.ResourceNode, prior *state.Record) (string, error) {
	h, err := p.handler(node.Kind)
	if err != nil {
		return "", err
	}
	identity, err := h.Update(ctx, node, prior)
	if err != nil {
		return "", classify(err, node.ID, "update")
	}
	return identity, nil
}

func (p *Provisioner) Destroy(ctx context.Context, prior *state.Record) error {
	h, err := p.handler(prior.Kind)
	if err != nil {
		return err
	}
	if err := ignoreNotFound(h.Destroy(ctx, prior)); err != nil {
		return classify(err, prior.ResourceID, "destroy")
	}
	return nil
}

// Describe reads the live attributes of a recorded resource.
func (p *Provisioner) Describe(ctx context.Context, prior *state.Record) (map[string]any, bool, error) {
	h, err := p.handler(prior.Kind)
	if err != nil {
		return nil, false, err
	}
	attrs, ok, err := h.Describe(ctx, prior)
	if isNotFound(err) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, classify(err, prior.ResourceID, "describe")
	}
	return attrs, ok, nil
}
