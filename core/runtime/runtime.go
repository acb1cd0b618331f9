package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"

	"lendhelper/core/state"
	"lendhelper/crypto"
	nativecommon "lendhelper/native/common"
	"lendhelper/native/helper"
	"lendhelper/native/market"
	"lendhelper/native/registry"
	"lendhelper/native/token"
)

var (
	ErrUnknownMarket = errors.New("runtime: market does not exist")
	ErrUnknownAsset  = errors.New("runtime: asset does not exist")
)

// Runtime binds the ledger and the native engines into the collaborators the
// helper consumes. Every Execute is one atomic ledger call.
type Runtime struct {
	ledger *state.Ledger
	pauses nativecommon.PauseView
	logger *slog.Logger
}

// New wraps ledger. pauses may be nil.
func New(ledger *state.Ledger, pauses nativecommon.PauseView, logger *slog.Logger) *Runtime {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runtime{ledger: ledger, pauses: pauses, logger: logger}
}

// Ledger exposes the underlying ledger.
func (r *Runtime) Ledger() *state.Ledger {
	return r.ledger
}

// Execute implements helper.Executor.
func (r *Runtime) Execute(ctx context.Context, fn func(helper.Env) error) (string, error) {
	return r.Do(ctx, func(env *Env) error { return fn(env) })
}

// Do runs fn atomically against a writable environment and returns the
// resulting state root.
func (r *Runtime) Do(ctx context.Context, fn func(*Env) error) (string, error) {
	if ctx != nil {
		if err := ctx.Err(); err != nil {
			return "", err
		}
	}
	root, err := r.ledger.Execute(func(m *state.Manager) error {
		return fn(newEnv(m, r.pauses))
	})
	if err != nil {
		return "", err
	}
	return root.Hex(), nil
}

// View runs fn against the last committed state.
func (r *Runtime) View(fn func(*Env) error) error {
	return r.ledger.View(func(m *state.Manager) error {
		return fn(newEnv(m, r.pauses))
	})
}

// Root returns the last committed state root.
func (r *Runtime) Root() string {
	return r.ledger.Root().Hex()
}

// Env resolves engines over one manager. It satisfies helper.Env.
type Env struct {
	manager  *state.Manager
	registry *registry.Engine
	pauses   nativecommon.PauseView
}

func newEnv(m *state.Manager, pauses nativecommon.PauseView) *Env {
	return &Env{manager: m, registry: registry.NewEngine(m), pauses: pauses}
}

// Registry implements helper.Env.
func (e *Env) Registry() helper.Registry {
	return e.registry
}

// Market implements helper.Env.
func (e *Env) Market(addr crypto.Address) (helper.Market, error) {
	engine, err := e.MarketEngine(addr)
	if err != nil {
		return nil, err
	}
	return engine, nil
}

// Asset implements helper.Env.
func (e *Env) Asset(addr crypto.Address) (helper.Asset, error) {
	engine, err := e.Token(addr)
	if err != nil {
		return nil, err
	}
	return engine, nil
}

// RegistryEngine returns the concrete registry.
func (e *Env) RegistryEngine() *registry.Engine {
	return e.registry
}

// Manager exposes the state manager backing the environment.
func (e *Env) Manager() *state.Manager {
	return e.manager
}

// MarketEngine resolves the market at addr. Its variant is read from the
// stored record on every action.
func (e *Env) MarketEngine(addr crypto.Address) (*market.Engine, error) {
	record, err := e.manager.Market(addr)
	if err != nil {
		return nil, err
	}
	if record == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownMarket, addr)
	}
	engine := market.NewEngine(addr, e.manager, e.registry)
	engine.SetPauses(e.pauses)
	return engine, nil
}

// NewMarketEngine returns an engine for a market that may not exist yet.
func (e *Env) NewMarketEngine(addr crypto.Address) *market.Engine {
	engine := market.NewEngine(addr, e.manager, e.registry)
	engine.SetPauses(e.pauses)
	return engine
}

// Token resolves a registered asset or market share token.
func (e *Env) Token(addr crypto.Address) (*token.Engine, error) {
	meta, err := e.manager.Asset(addr)
	if err != nil {
		return nil, err
	}
	if meta == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownAsset, addr)
	}
	engine := token.NewEngine(addr, e.manager)
	engine.SetPauses(e.pauses)
	return engine, nil
}

// Approve lets owner grant spender an allowance of asset.
func (r *Runtime) Approve(ctx context.Context, owner, asset, spender crypto.Address, amount *big.Int) (string, error) {
	return r.Do(ctx, func(env *Env) error {
		tok, err := env.Token(asset)
		if err != nil {
			return err
		}
		return tok.Approve(owner, spender, amount)
	})
}
