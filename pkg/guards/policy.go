package guards

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/open-policy-agent/opa/v1/ast"
	"github.com/open-policy-agent/opa/v1/rego"

	"github.com/polisai/packetflow/pkg/container"
	"github.com/polisai/packetflow/pkg/domain"
	"github.com/polisai/packetflow/pkg/engine/runtime"
)

const defaultEntrypoint = "packetflow/allow"

// PolicyOptions configure a Policy guard.
type PolicyOptions struct {
	// Entrypoint is the rule path evaluated for every packet, e.g. "packetflow/allow".
	Entrypoint string
	// Modules maps module names to Rego source.
	Modules map[string]string
	Logger  *slog.Logger
}

// Policy admits a packet when its Rego entrypoint evaluates to true. An undefined
// result rejects the packet.
//
// The policy input is:
//
//	{"payload": ..., "properties": {...}, "cache": {...}, "sender": "id",
//	 "node": {"id": "...", "type": "..."}, "handler": {"port": "...", "key": "..."}}
type Policy struct {
	entrypoint string
	query      rego.PreparedEvalQuery
	logger     *slog.Logger
}

// NewPolicy parses and compiles the modules. Syntax and compile errors are returned
// here rather than at evaluation.
func NewPolicy(ctx context.Context, opts PolicyOptions) (*Policy, error) {
	entry := strings.TrimSpace(opts.Entrypoint)
	if entry == "" {
		entry = defaultEntrypoint
	}
	if len(opts.Modules) == 0 {
		return nil, errors.New("policy guard requires at least one rego module")
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	names := make([]string, 0, len(opts.Modules))
	for name := range opts.Modules {
		names = append(names, name)
	}
	sort.Strings(names)

	regoOpts := []func(*rego.Rego){rego.Query("data." + strings.ReplaceAll(entry, "/", "."))}
	for _, name := range names {
		module, err := ast.ParseModuleWithOpts(name, opts.Modules[name], ast.ParserOptions{RegoVersion: ast.RegoV1})
		if err != nil {
			return nil, fmt.Errorf("parse rego module %q: %w", name, err)
		}
		regoOpts = append(regoOpts, rego.ParsedModule(module))
	}

	prepared, err := rego.New(regoOpts...).PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("compile rego modules: %w", err)
	}

	return &Policy{entrypoint: entry, query: prepared, logger: logger}, nil
}

// CanProcess implements runtime.Guard.
func (p *Policy) CanProcess(ctx context.Context, gc runtime.GuardContext) (bool, error) {
	input := policyInput(gc)

	results, err := p.query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return false, fmt.Errorf("evaluate %s: %w", p.entrypoint, err)
	}
	if len(results) == 0 || len(results[0].Expressions) == 0 {
		p.logger.Debug("policy undefined", "node_id", gc.Node.ID, "entrypoint", p.entrypoint)
		return false, nil
	}

	allowed, ok := results[0].Expressions[0].Value.(bool)
	if !ok {
		return false, fmt.Errorf("evaluate %s: result must be boolean, got %T", p.entrypoint, results[0].Expressions[0].Value)
	}

	p.logger.Debug("policy evaluated", "node_id", gc.Node.ID, "entrypoint", p.entrypoint, "allowed", allowed)
	return allowed, nil
}

func policyInput(gc runtime.GuardContext) map[string]any {
	input := map[string]any{
		"node": map[string]any{
			"id":   gc.Node.ID,
			"type": gc.Node.Type,
		},
		"handler": map[string]any{
			"port": gc.Handler.Port,
			"key":  gc.Handler.Key,
		},
	}
	if gc.Packet == nil {
		return input
	}

	input["payload"] = domain.CopyValue(gc.Packet.Payload())
	input["properties"] = domain.CopyMap(gc.Packet.Properties())
	input["cache"] = domain.CopyMap(gc.Packet.Cache())
	if sender, ok := gc.Packet.Origin(); ok {
		input["sender"] = sender
	}
	return input
}

// ProvidePolicy attaches a policy guard compiled once per execution context.
func ProvidePolicy(key container.Key, opts PolicyOptions) runtime.GuardRef {
	return runtime.ProvideGuard(key, container.Singleton, func(ctx context.Context, _ container.Resolver) (runtime.Guard, error) {
		return NewPolicy(ctx, opts)
	})
}
