package server

import (
	"context"
	"errors"

	"github.com/sluice-io/sluice/internal/keys"
	"github.com/sluice-io/sluice/internal/kvstore"
)

// substrateProbeKey is the key read by the substrate readiness check.
// It does not need to exist; a missing key still proves the substrate
// answers reads.
const substrateProbeKey = keys.Prefix + "/health-check"

// SubstrateChecker implements ReadinessChecker for the metadata substrate.
// It verifies the backing store is healthy by performing a simple Get
// operation.
type SubstrateChecker struct {
	store kvstore.Store
}

// NewSubstrateChecker creates a new SubstrateChecker.
func NewSubstrateChecker(store kvstore.Store) *SubstrateChecker {
	return &SubstrateChecker{store: store}
}

// Name returns the name of this component for health status display.
func (c *SubstrateChecker) Name() string {
	return "substrate"
}

// CheckReady verifies the substrate is accessible.
// A Get on a missing key returns Exists=false without error, so any
// error here means the substrate is unreachable or closed.
func (c *SubstrateChecker) CheckReady(ctx context.Context) error {
	if c.store == nil {
		return errors.New("substrate not configured")
	}

	if _, err := c.store.Get(ctx, substrateProbeKey); err != nil {
		return err
	}
	return nil
}

// FuncChecker is a simple ReadinessChecker that wraps a function.
// Useful for ad-hoc checks or testing.
type FuncChecker struct {
	name  string
	check func(context.Context) error
}

// NewFuncChecker creates a new FuncChecker with the given name and check function.
func NewFuncChecker(name string, check func(context.Context) error) *FuncChecker {
	return &FuncChecker{name: name, check: check}
}

// Name returns the name of this component.
func (c *FuncChecker) Name() string {
	return c.name
}

// CheckReady calls the wrapped function.
func (c *FuncChecker) CheckReady(ctx context.Context) error {
	if c.check == nil {
		return nil
	}
	return c.check(ctx)
}
