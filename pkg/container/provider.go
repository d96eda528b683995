package container

import (
	"context"
	"errors"
	"fmt"
)

// Provider describes how a key is bound. Build one with Class, Value or Factory.
type Provider struct {
	Key   Key
	Scope Scope

	construct FactoryFunc
	value     any
	hasValue  bool
	inject    []Key
	factory   func(ctx context.Context, deps ...any) (any, error)
}

// Class binds key to a constructor run according to scope.
func Class(key Key, scope Scope, construct FactoryFunc) Provider {
	return Provider{Key: key, Scope: scope, construct: construct}
}

// Value binds key to a constant.
func Value(key Key, value any) Provider {
	return Provider{Key: key, Scope: Singleton, value: value, hasValue: true}
}

// Factory binds key to the result of fn called with the values of inject. The factory
// runs once, when the provider is registered.
func Factory(key Key, inject []Key, fn func(ctx context.Context, deps ...any) (any, error)) Provider {
	return Provider{Key: key, Scope: Singleton, inject: inject, factory: fn}
}

// Register binds p into c.
func (p Provider) Register(ctx context.Context, c *Container) error {
	if p.Key == "" {
		return errors.New("provider has an empty key")
	}

	switch {
	case p.hasValue:
		c.BindValue(p.Key, p.value)
	case p.construct != nil:
		c.BindFactory(p.Key, p.Scope, p.construct)
	case p.factory != nil:
		deps := make([]any, 0, len(p.inject))
		for _, key := range p.inject {
			dep, err := c.Get(ctx, key)
			if err != nil {
				return fmt.Errorf("provider %q: inject %q: %w", p.Key, key, err)
			}
			deps = append(deps, dep)
		}
		value, err := p.factory(ctx, deps...)
		if err != nil {
			return fmt.Errorf("provider %q: factory: %w", p.Key, err)
		}
		c.BindValue(p.Key, value)
	default:
		return fmt.Errorf("provider %q has no value, constructor or factory", p.Key)
	}
	return nil
}
