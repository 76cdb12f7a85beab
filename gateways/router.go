package gateways

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/zhifu/donation-pay/models"
	"github.com/zhifu/donation-pay/money"
)

// Registry maps provider names to their implementations.
type Registry struct {
	mu       sync.RWMutex
	gateways map[string]PaymentGateway
}

func NewRegistry(gws ...PaymentGateway) *Registry {
	r := &Registry{gateways: make(map[string]PaymentGateway)}
	for _, gw := range gws {
		r.Register(gw)
	}
	return r
}

func (r *Registry) Register(gw PaymentGateway) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.gateways[gw.Name()] = gw
}

func (r *Registry) Get(name string) (PaymentGateway, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	gw, ok := r.gateways[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownGateway, name)
	}
	return gw, nil
}

// Names lists registered gateways alphabetically.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.gateways))
	for n := range r.gateways {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// ConfigSource supplies the operator-managed gateway records.
type ConfigSource interface {
	ListGatewayConfigs(ctx context.Context) ([]models.GatewayConfig, error)
}

// Router picks a gateway per call. The config snapshot is fetched once per
// call, so selection only depends on that snapshot and the inputs.
type Router struct {
	registry *Registry
	configs  ConfigSource
}

func NewRouter(registry *Registry, configs ConfigSource) *Router {
	return &Router{registry: registry, configs: configs}
}

// Selection is a routed gateway together with the record that allowed it.
type Selection struct {
	Gateway PaymentGateway
	Config  models.GatewayConfig
}

// Select returns the best gateway for amount: active and configured,
// currency supported, amount within bounds, lowest priority first with
// ties broken by name.
func (r *Router) Select(ctx context.Context, amount money.Money) (*Selection, error) {
	return r.selectWhere(ctx, amount, nil)
}

// SelectForMethod is Select restricted to gateways supporting method.
func (r *Router) SelectForMethod(ctx context.Context, method models.PaymentMethod, amount money.Money) (*Selection, error) {
	if method.IsManual() {
		return nil, fmt.Errorf("%w: %s is settled manually", ErrNoGatewayAvailable, method)
	}
	return r.selectWhere(ctx, amount, func(gw PaymentGateway) bool {
		return gw.Supports(method)
	})
}

// Candidates lists every eligible gateway in selection order.
func (r *Router) Candidates(ctx context.Context, amount money.Money) ([]Selection, error) {
	return r.candidates(ctx, amount, nil)
}

func (r *Router) selectWhere(ctx context.Context, amount money.Money, keep func(PaymentGateway) bool) (*Selection, error) {
	cands, err := r.candidates(ctx, amount, keep)
	if err != nil {
		return nil, err
	}
	if len(cands) == 0 {
		return nil, fmt.Errorf("%w for %s", ErrNoGatewayAvailable, amount)
	}
	return &cands[0], nil
}

func (r *Router) candidates(ctx context.Context, amount money.Money, keep func(PaymentGateway) bool) ([]Selection, error) {
	configs, err := r.configs.ListGatewayConfigs(ctx)
	if err != nil {
		return nil, fmt.Errorf("load gateway configs: %w", err)
	}

	var out []Selection
	for _, cfg := range configs {
		if !cfg.IsActive || !cfg.IsConfigured {
			continue
		}
		if !cfg.SupportsCurrency(amount.Currency) {
			continue
		}
		if !cfg.AcceptsAmount(amount.Amount) {
			continue
		}
		gw, err := r.registry.Get(cfg.Name)
		if err != nil || !gw.ValidateConfiguration() {
			continue
		}
		if keep != nil && !keep(gw) {
			continue
		}
		out = append(out, Selection{Gateway: gw, Config: cfg})
	}

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Config.Priority != out[j].Config.Priority {
			return out[i].Config.Priority < out[j].Config.Priority
		}
		return out[i].Config.Name < out[j].Config.Name
	})
	return out, nil
}
