// Package harness runs resolved chains under capability tokens and cost
// budgets.
//
// Each execution walks a fixed state machine: Pending -> Resolving ->
// Authorized -> Running -> {Completed | Failed | Aborted}. Aborted is
// reserved for budget stops; every other failure is Failed, with the
// originating chain link identified.
package harness

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/keelworks/keel/pkg/capability"
	"github.com/keelworks/keel/pkg/fault"
	"github.com/keelworks/keel/pkg/item"
	"github.com/keelworks/keel/pkg/primitive"
	"github.com/keelworks/keel/pkg/resolve"
	"github.com/keelworks/keel/pkg/runtime/budget"
	"github.com/keelworks/keel/pkg/runtime/hook"
)

type Status string

const (
	StatusPending    Status = "pending"
	StatusResolving  Status = "resolving"
	StatusAuthorized Status = "authorized"
	StatusRunning    Status = "running"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusAborted    Status = "aborted"
)

const defaultMaxInFlight = 8

// Request describes one execution: a root reference, optional caller
// credentials, and a budget. A nil CallerToken means the harness constructs
// a root token from the root item's own declared permissions.
type Request struct {
	Root        item.Reference
	Params      map[string]any
	CallerToken *capability.Token
	Limits      budget.Limits
	Hooks       *hook.Set

	// CallTimeout bounds the terminal primitive call. The aggregate
	// duration ceiling lives in Limits.MaxDuration.
	CallTimeout time.Duration
}

// Result is returned for every execution, including failed ones: the chain
// and lockfile are populated whenever resolution succeeded, so callers can
// audit what was about to run.
type Result struct {
	ID       string
	Status   Status
	Output   map[string]any
	Err      error
	Chain    *resolve.Chain
	Lockfile *resolve.Lockfile

	// RiskTiers maps each chain item ID to its verification tier.
	RiskTiers map[string]item.RiskTier

	Usage budget.Usage
}

// Receipt is the audit record of a finished execution.
type Receipt struct {
	ExecutionID string        `json:"execution_id"`
	ParentID    string        `json:"parent_id,omitempty"`
	Root        string        `json:"root"`
	Status      Status        `json:"status"`
	Path        []string      `json:"path,omitempty"`
	Error       string        `json:"error,omitempty"`
	Usage       budget.Usage  `json:"usage"`
	StartedAt   time.Time     `json:"started_at"`
	Duration    time.Duration `json:"duration"`
}

// Recorder persists receipts. Recording failures are logged, never fatal.
type Recorder interface {
	Record(ctx context.Context, r Receipt) error
}

// Harness executes chains. Safe for concurrent use; each execution owns its
// own token, budget counters, and state.
type Harness struct {
	resolver          *resolve.Resolver
	registry          *primitive.Registry
	logger            *slog.Logger
	recorder          Recorder
	maxInFlight       int
	requireSignatures bool
}

type Option func(*Harness)

func WithLogger(l *slog.Logger) Option {
	return func(h *Harness) { h.logger = l }
}

// WithMaxInFlight bounds concurrent primitive calls per execution tree.
func WithMaxInFlight(n int) Option {
	return func(h *Harness) { h.maxInFlight = n }
}

// WithRequireSignatures refuses to run chains containing unverified items.
func WithRequireSignatures(require bool) Option {
	return func(h *Harness) { h.requireSignatures = require }
}

func WithRecorder(r Recorder) Option {
	return func(h *Harness) { h.recorder = r }
}

func New(resolver *resolve.Resolver, registry *primitive.Registry, opts ...Option) *Harness {
	h := &Harness{
		resolver:    resolver,
		registry:    registry,
		logger:      slog.Default(),
		maxInFlight: defaultMaxInFlight,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// execution is the per-run state. The semaphore is shared across the whole
// execution tree so nested spawns compete for the same in-flight slots.
type execution struct {
	id     string
	parent *execution
	budget *budget.Budget
	token  *capability.Token
	sem    chan struct{}
	status Status
	loops  int64
}

// Execute runs one root execution to completion. The returned Result is
// never nil; inspect Status and Err.
func (h *Harness) Execute(ctx context.Context, req Request) *Result {
	exec := &execution{
		id:     uuid.NewString(),
		budget: budget.New(req.Limits),
		sem:    make(chan struct{}, h.maxInFlight),
		status: StatusPending,
	}
	return h.run(ctx, exec, req)
}

func (h *Harness) run(ctx context.Context, exec *execution, req Request) *Result {
	started := time.Now()
	result := &Result{ID: exec.id, Status: StatusPending}
	defer func() {
		result.Usage = exec.budget.Snapshot()
		h.record(ctx, exec, req, result, started)
	}()

	// Pending -> Resolving.
	h.transition(exec, StatusResolving, req.Root)
	chain, err := h.resolver.Resolve(ctx, req.Root, req.CallerToken)
	if err != nil {
		return h.fail(exec, result, err)
	}
	result.Chain = chain
	result.Lockfile = chain.Lockfile()
	result.RiskTiers = riskTiers(chain)

	// Resolving -> Authorized: derive the execution token scoped to exactly
	// the chain's required grants.
	base := req.CallerToken
	if base == nil {
		base = capability.NewRootToken(exec.id, capability.Expand(chain.Links[0].DeclaredGrants))
		if err := checkChain(chain, base); err != nil {
			return h.fail(exec, result, err)
		}
	}
	token, err := base.Derive(exec.id, chain.RequiredGrants())
	if err != nil {
		return h.fail(exec, result, err)
	}
	exec.token = token
	h.transition(exec, StatusAuthorized, req.Root)

	if h.requireSignatures {
		for _, l := range chain.Links {
			if l.RiskTier != item.RiskSigned {
				return h.fail(exec, result, fault.New(fault.CodeIntegrity,
					"item %s is %s but signatures are required", l.Ref, l.RiskTier).WithItem(l.Ref.ID))
			}
		}
	}
	if err := item.ValidateParams(chain.Links[0].Item, req.Params); err != nil {
		return h.fail(exec, result, err)
	}

	// Authorized -> Running.
	h.transition(exec, StatusRunning, req.Root)
	output, err := h.step(ctx, exec, req, chain)
	result.Output = output
	if err != nil {
		if fault.IsBudget(err) {
			return h.abort(exec, result, err)
		}
		return h.fail(exec, result, err)
	}

	if err := h.fireHooks(ctx, exec, req, nil); err != nil {
		if fault.IsBudget(err) {
			return h.abort(exec, result, err)
		}
		return h.fail(exec, result, err)
	}

	exec.status = StatusCompleted
	result.Status = StatusCompleted
	return result
}

// step charges one turn, runs the terminal primitive under the in-flight
// semaphore, and re-checks the duration budget on the way out.
func (h *Harness) step(ctx context.Context, exec *execution, req Request, chain *resolve.Chain) (map[string]any, error) {
	if err := exec.budget.CheckDuration(); err != nil {
		return nil, err
	}
	if err := exec.budget.Charge(budget.Charge{Turns: 1}); err != nil {
		return nil, err
	}
	exec.loops++

	terminal := chain.Terminal()
	executor, err := h.registry.Lookup(terminal.Ref.ID)
	if err != nil {
		return nil, wrapLink(err, chain)
	}

	select {
	case exec.sem <- struct{}{}:
	case <-ctx.Done():
		return nil, fault.New(fault.CodeTimeout, "execution canceled waiting for an in-flight slot").WithCause(ctx.Err())
	}
	defer func() { <-exec.sem }()

	callCtx := primitive.WithSpawner(ctx, &session{h: h, exec: exec, req: req})
	res, err := executor.Execute(callCtx, primitive.Call{Params: req.Params, Timeout: req.CallTimeout})
	if err != nil {
		// Preserve whatever partial output the primitive produced before
		// failing, and surface the hook context even on failure.
		var partial map[string]any
		if res != nil {
			partial = res.Output
		}
		if herr := h.fireHooks(ctx, exec, req, err); herr != nil {
			return partial, herr
		}
		return partial, wrapLink(err, chain)
	}
	if err := exec.budget.CheckDuration(); err != nil {
		return res.Output, err
	}
	return res.Output, nil
}

// fireHooks evaluates every registered hook against the current context and
// runs matching actions as nested executions. A failing action is logged
// and swallowed unless the hook is marked fatal.
func (h *Harness) fireHooks(ctx context.Context, exec *execution, req Request, stepErr error) error {
	if req.Hooks.Len() == 0 {
		return nil
	}
	usage := exec.budget.Snapshot()
	hctx := hook.Context{
		CostTokens: usage.Tokens,
		CostTurns:  usage.Turns,
		CostSpend:  usage.Spend,
		LoopCount:  exec.loops,
		Directive:  req.Root.ID,
	}
	if stepErr != nil {
		hctx.Error = stepErr.Error()
	}

	matched, evalErrs := req.Hooks.Matching(hctx)
	for _, e := range evalErrs {
		h.logger.Warn("hook condition evaluation failed", "execution", exec.id, "error", e)
	}

	for _, hk := range matched {
		h.logger.Info("hook fired", "execution", exec.id, "hook", hk.Name, "action", hk.Action.String())
		// A hook action runs without the hook set to keep cost-threshold
		// hooks from re-triggering themselves recursively.
		res := h.nested(ctx, exec, Request{Root: hk.Action})
		if res.Err != nil {
			if fault.IsBudget(res.Err) || hk.Fatal {
				return res.Err
			}
			h.logger.Warn("hook action failed", "execution", exec.id, "hook", hk.Name, "error", res.Err)
		}
	}
	return nil
}

// nested runs a fresh execution whose caller token is the parent's token
// and whose budget is a child charged against the parent's remaining
// allowance.
func (h *Harness) nested(ctx context.Context, parent *execution, req Request) *Result {
	req.CallerToken = parent.token
	child := &execution{
		id:     uuid.NewString(),
		parent: parent,
		budget: parent.budget.Child(req.Limits),
		sem:    parent.sem,
		status: StatusPending,
	}
	return h.run(ctx, child, req)
}

func (h *Harness) fail(exec *execution, result *Result, err error) *Result {
	exec.status = StatusFailed
	result.Status = StatusFailed
	result.Err = err
	h.logger.Error("execution failed", "execution", exec.id, "code", fault.CodeOf(err), "error", err)
	return result
}

// abort marks a budget stop. Partial output already stored on the result is
// preserved so callers can re-invoke with a larger budget.
func (h *Harness) abort(exec *execution, result *Result, err error) *Result {
	exec.status = StatusAborted
	result.Status = StatusAborted
	result.Err = err
	h.logger.Warn("execution aborted on budget", "execution", exec.id, "error", err)
	return result
}

func (h *Harness) transition(exec *execution, to Status, root item.Reference) {
	h.logger.Debug("state transition", "execution", exec.id, "from", exec.status, "to", to, "root", root.String())
	exec.status = to
}

func (h *Harness) record(ctx context.Context, exec *execution, req Request, result *Result, started time.Time) {
	if h.recorder == nil {
		return
	}
	rec := Receipt{
		ExecutionID: exec.id,
		Root:        req.Root.String(),
		Status:      result.Status,
		Usage:       result.Usage,
		StartedAt:   started,
		Duration:    time.Since(started),
	}
	if exec.parent != nil {
		rec.ParentID = exec.parent.id
	}
	if result.Chain != nil {
		rec.Path = result.Chain.Path()
	}
	if result.Err != nil {
		rec.Error = result.Err.Error()
	}
	if err := h.recorder.Record(ctx, rec); err != nil {
		h.logger.Warn("receipt recording failed", "execution", exec.id, "error", err)
	}
}

// checkChain verifies every link's declared grants against the token,
// attributing a denial to the specific link and grant.
func checkChain(chain *resolve.Chain, token *capability.Token) error {
	for _, l := range chain.Links {
		for _, g := range l.DeclaredGrants {
			if !token.Check(g) {
				return fault.New(fault.CodePermissionDenied,
					"link %s requires grant %s not held by the root token", l.Ref, g).
					WithItem(l.Ref.ID).WithGrant(g.String()).WithChain(chain.Path())
			}
		}
	}
	return nil
}

func riskTiers(chain *resolve.Chain) map[string]item.RiskTier {
	tiers := make(map[string]item.RiskTier, len(chain.Links))
	for _, l := range chain.Links {
		tiers[l.Ref.ID] = l.RiskTier
	}
	return tiers
}

// wrapLink attributes a primitive failure to the terminal link.
func wrapLink(err error, chain *resolve.Chain) error {
	terminal := chain.Terminal()
	if terminal == nil {
		return err
	}
	var ke *fault.Error
	if errors.As(err, &ke) {
		if ke.ItemID == "" {
			ke.ItemID = terminal.Ref.ID
		}
		if len(ke.Chain) == 0 {
			ke.Chain = chain.Path()
		}
	}
	return err
}

// session implements primitive.Spawner for one running execution.
type session struct {
	h    *Harness
	exec *execution
	req  Request
}

func (s *session) Spawn(ctx context.Context, ref string, params map[string]any) (*primitive.Result, error) {
	parsed, err := item.ParseReference(ref)
	if err != nil {
		return nil, fault.New(fault.CodeMalformedItem, "nested spawn: %v", err)
	}
	res := s.h.nested(ctx, s.exec, Request{
		Root:        parsed,
		Params:      params,
		Hooks:       s.req.Hooks,
		CallTimeout: s.req.CallTimeout,
	})
	if res.Err != nil {
		return nil, res.Err
	}
	return &primitive.Result{Output: res.Output}, nil
}
