package workflow

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/songzhibin97/workflow-fsm/binding"
	"github.com/songzhibin97/workflow-fsm/runner"
	"github.com/songzhibin97/workflow-fsm/types"
)

const tiersYAML = `
id: tiers
states:
  - id: start
    name: Start
    transitions:
      - {id: begin, name: Begin, target_state_id: hub}
  - id: hub
    name: Hub
    transitions:
      - {id: first, name: First, target_state_id: hub, query: 'true', query_order: 1}
      - {id: second, name: Second, target_state_id: hub, query: 'properties.ready == "yes"', query_order: 1}
      - {id: third, name: Third, target_state_id: out, query: 'true', query_order: 2}
      - {id: manual, name: Manual, target_state_id: out}
  - id: out
    name: Out
`

func TestScheduler_FirstMatchingTierOnly(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t, nil, []string{tiersYAML})

	var first, second, third atomic.Int32
	bind(e, "tiers", binding.KindInitial, "Begin", succeed(map[string]interface{}{"ready": "yes"}))
	bind(e, "tiers", binding.KindTransition, "First", func(context.Context, *binding.Input) (*binding.Output, error) {
		first.Add(1)
		return nil, nil
	})
	bind(e, "tiers", binding.KindTransition, "Second", func(context.Context, *binding.Input) (*binding.Output, error) {
		second.Add(1)
		return nil, nil
	})
	bind(e, "tiers", binding.KindTransition, "Third", func(context.Context, *binding.Input) (*binding.Output, error) {
		third.Add(1)
		return nil, nil
	})
	bind(e, "tiers", binding.KindTransition, "Manual", succeed(nil))

	w, err := e.Start(ctx, &StartRequest{DefinitionID: "tiers", Transition: "begin"})
	require.NoError(t, err)

	assert.EqualValues(t, 1, first.Load())
	assert.EqualValues(t, 1, second.Load())
	assert.EqualValues(t, 0, third.Load())

	snap := assertHistory(t, e, w.ID)
	assert.Equal(t, []string{"begin", "first", "second"}, transitionIDs(snap.History))
	assert.Equal(t, "hub", snap.Workflow.StateID)
	assert.Equal(t, types.LevelWaiting, snap.Workflow.TransitionState)
}

func TestScheduler_SelfLoopGuardKeepsLowerTierIdle(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t, nil, []string{tiersYAML})

	var third atomic.Int32
	bind(e, "tiers", binding.KindInitial, "Begin", succeed(nil))
	bind(e, "tiers", binding.KindTransition, "First", succeed(nil))
	bind(e, "tiers", binding.KindTransition, "Second", succeed(nil))
	bind(e, "tiers", binding.KindTransition, "Third", func(context.Context, *binding.Input) (*binding.Output, error) {
		third.Add(1)
		return nil, nil
	})

	// first matches, then the self loop guard stops it from repeating;
	// with ready unset second never matches and tier 2 is not reached
	w, err := e.Start(ctx, &StartRequest{DefinitionID: "tiers", Transition: "begin"})
	require.NoError(t, err)
	assert.EqualValues(t, 0, third.Load())

	snap := assertHistory(t, e, w.ID)
	assert.Equal(t, []string{"begin", "first"}, transitionIDs(snap.History))
	assert.Equal(t, types.LevelWaiting, snap.Workflow.TransitionState)
}

const fallbackYAML = `
id: fallback
states:
  - id: start
    name: Start
    transitions:
      - {id: begin, name: Begin, target_state_id: hub}
  - id: hub
    name: Hub
    transitions:
      - {id: rush, name: Rush, target_state_id: express, query: 'properties.priority == "high"', query_order: 1}
      - {id: bulk, name: Bulk, target_state_id: freight, query: 'properties.amount > 1000', query_order: 1}
      - {id: standard, name: Standard, target_state_id: post, query: 'true', query_order: 2}
  - id: express
    name: Express
  - id: freight
    name: Freight
  - id: post
    name: Post
`

func TestScheduler_LowerTierRunsWhenHigherDoesNotMatch(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t, nil, []string{fallbackYAML})
	bind(e, "fallback", binding.KindInitial, "Begin", succeed(map[string]interface{}{"priority": "low", "amount": 50}))
	bind(e, "fallback", binding.KindTransition, "Rush", succeed(nil))
	bind(e, "fallback", binding.KindTransition, "Bulk", succeed(nil))
	bind(e, "fallback", binding.KindTransition, "Standard", succeed(nil))

	w, err := e.Start(ctx, &StartRequest{DefinitionID: "fallback", Transition: "begin"})
	require.NoError(t, err)

	snap := assertHistory(t, e, w.ID)
	assert.Equal(t, []string{"begin", "standard"}, transitionIDs(snap.History))
	assert.Equal(t, "post", snap.Workflow.StateID)
	assert.Equal(t, types.LevelSucceeded, snap.Workflow.TransitionState)
}

const typedYAML = `
id: typed
states:
  - id: start
    name: Start
    transitions:
      - {id: begin, name: Begin, target_state_id: r}
  - id: r
    name: R
    transitions:
      - {id: large, name: Large, target_state_id: s, query: 'properties.amount > 100'}
  - id: s
    name: S
    transitions:
      - {id: approved, name: Approved, target_state_id: u, query: 'properties.approved'}
  - id: u
    name: U
    transitions:
      - {id: gold, name: Gold, target_state_id: done, query: 'properties.customer.tier == "gold" && properties.lines[1].qty == 2'}
  - id: done
    name: Done
`

func TestScheduler_PredicatesSeeTypedNestedProperties(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t, nil, []string{typedYAML})
	bind(e, "typed", binding.KindInitial, "Begin", succeed(map[string]interface{}{
		"amount":   150,
		"approved": true,
		"customer": map[string]interface{}{"tier": "gold"},
		"lines": []interface{}{
			map[string]interface{}{"sku": "A1", "qty": 1},
			map[string]interface{}{"sku": "B2", "qty": 2},
		},
	}))

	var seen map[string]interface{}
	bind(e, "typed", binding.KindTransition, "Large", func(_ context.Context, in *binding.Input) (*binding.Output, error) {
		seen = in.Properties
		return nil, nil
	})
	bind(e, "typed", binding.KindTransition, "Approved", succeed(nil))
	bind(e, "typed", binding.KindTransition, "Gold", succeed(nil))

	w, err := e.Start(ctx, &StartRequest{DefinitionID: "typed", Transition: "begin"})
	require.NoError(t, err)

	snap := assertHistory(t, e, w.ID)
	assert.Equal(t, []string{"begin", "large", "approved", "gold"}, transitionIDs(snap.History))
	assert.Equal(t, "done", snap.Workflow.StateID)
	assert.Equal(t, types.LevelSucceeded, snap.Workflow.TransitionState)

	require.NotNil(t, seen)
	assert.Equal(t, 150, seen["amount"])
	assert.Equal(t, true, seen["approved"])
	assert.Equal(t, map[string]interface{}{"tier": "gold"}, seen["customer"])
}

const counterYAML = `
id: counter
states:
  - id: start
    name: Start
    transitions:
      - {id: begin, name: Begin, target_state_id: count}
  - id: count
    name: Count
    transitions:
      - id: inc
        name: Inc
        target_state_id: count
        query: 'properties.n < 3'
        query_order: 1
        allow_multiple_automatic_executions: true
      - {id: finish, name: Finish, target_state_id: done, query: 'properties.n >= 3', query_order: 2}
  - id: done
    name: Done
`

func increment(_ context.Context, in *binding.Input) (*binding.Output, error) {
	n, _ := in.Properties["n"].(int)
	return &binding.Output{Properties: map[string]interface{}{"n": n + 1}}, nil
}

func TestScheduler_RepeatableSelfLoop(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t, nil, []string{counterYAML})
	bind(e, "counter", binding.KindInitial, "Begin", succeed(map[string]interface{}{"n": 0}))
	bind(e, "counter", binding.KindTransition, "Inc", increment)
	bind(e, "counter", binding.KindTransition, "Finish", succeed(nil))

	w, err := e.Start(ctx, &StartRequest{DefinitionID: "counter", Transition: "begin"})
	require.NoError(t, err)

	snap := assertHistory(t, e, w.ID)
	assert.Equal(t, []string{"begin", "inc", "inc", "inc", "finish"}, transitionIDs(snap.History))
	assert.Equal(t, 3, snap.Properties["n"])
	assert.Equal(t, "done", snap.Workflow.StateID)
	assert.Equal(t, types.LevelSucceeded, snap.Workflow.TransitionState)
}

func TestScheduler_RepeatableSelfLoopIsBounded(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t, nil, []string{counterYAML}, WithMaxChainDepth(2))
	bind(e, "counter", binding.KindInitial, "Begin", succeed(map[string]interface{}{"n": 0}))
	bind(e, "counter", binding.KindTransition, "Inc", increment)
	bind(e, "counter", binding.KindTransition, "Finish", succeed(nil))

	w, err := e.Start(ctx, &StartRequest{DefinitionID: "counter", Transition: "begin"})
	require.NoError(t, err)

	snap := assertHistory(t, e, w.ID)
	assert.Equal(t, []string{"begin", "inc", "inc"}, transitionIDs(snap.History))
	assert.Equal(t, 2, snap.Properties["n"])
	assert.Equal(t, "count", snap.Workflow.StateID)
	assert.Equal(t, types.LevelWaiting, snap.Workflow.TransitionState)
}

func TestScheduler_SkipsTransitionsNeedingInput(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t, nil, []string{tiersYAML})
	bind(e, "tiers", binding.KindInitial, "Begin", succeed(nil))
	required := binding.Schema{Input: []binding.Field{{Name: "note", Required: true}}}
	bindSchema(e, "tiers", binding.KindTransition, "First", required, succeed(nil))
	bindSchema(e, "tiers", binding.KindTransition, "Second", required, succeed(nil))
	bind(e, "tiers", binding.KindTransition, "Third", succeed(nil))

	w, err := e.Start(ctx, &StartRequest{DefinitionID: "tiers", Transition: "begin"})
	require.NoError(t, err)

	snap := assertHistory(t, e, w.ID)
	assert.Equal(t, []string{"begin", "third"}, transitionIDs(snap.History))
	assert.Equal(t, "out", snap.Workflow.StateID)
	assert.Equal(t, types.LevelSucceeded, snap.Workflow.TransitionState)
}

const loopYAML = `
id: loop
states:
  - id: s
    name: S
    transitions:
      - {id: go, name: Go, target_state_id: a}
  - id: a
    name: A
    transitions:
      - {id: ab, name: AB, target_state_id: b, query: 'true'}
  - id: b
    name: B
    transitions:
      - {id: ba, name: BA, target_state_id: a, query: 'true'}
`

func TestScheduler_ChainDepthIsBounded(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t, nil, []string{loopYAML}, WithMaxChainDepth(5))
	bind(e, "loop", binding.KindInitial, "Go", succeed(nil))
	bind(e, "loop", binding.KindTransition, "AB", succeed(nil))
	bind(e, "loop", binding.KindTransition, "BA", succeed(nil))

	w, err := e.Start(ctx, &StartRequest{DefinitionID: "loop", Transition: "go"})
	require.NoError(t, err)

	snap := assertHistory(t, e, w.ID)
	assert.Len(t, snap.History, 6)
	assert.Equal(t, types.LevelWaiting, snap.Workflow.TransitionState)
}

const payoutYAML = `
id: payout
states:
  - id: requested
    name: Requested
    transitions:
      - {id: request, name: Request, target_state_id: review}
  - id: review
    name: Review
    transitions:
      - id: pay
        name: Pay
        target_state_id: paid
        query: 'properties.amount != nil'
        target: payments
        target_properties:
          amount: '=properties.amount'
          reference: '="PAY-" + properties.amount'
          currency: EUR
  - id: paid
    name: Paid
`

type captureRunner struct {
	mu   sync.Mutex
	jobs []*runner.Job
}

func (c *captureRunner) Dispatch(_ context.Context, job *runner.Job) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.jobs = append(c.jobs, job)
	return nil
}

func TestScheduler_DispatchesRemoteTargets(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t, nil, []string{payoutYAML})
	capture := &captureRunner{}
	e.Runners().Register("payments", capture)

	var paid atomic.Int32
	var params map[string]interface{}
	bind(e, "payout", binding.KindInitial, "Request", succeed(map[string]interface{}{"amount": "21"}))
	bind(e, "payout", binding.KindTransition, "Pay", func(_ context.Context, in *binding.Input) (*binding.Output, error) {
		paid.Add(1)
		params = in.Transition
		return nil, nil
	})

	w, err := e.Start(ctx, &StartRequest{DefinitionID: "payout", Transition: "request", Actor: &types.Actor{Name: "ann"}})
	require.NoError(t, err)
	assert.EqualValues(t, 0, paid.Load())

	snap := assertHistory(t, e, w.ID)
	assert.Equal(t, "review", snap.Workflow.StateID)
	assert.Equal(t, types.LevelStopped, snap.Workflow.TransitionState)

	require.Len(t, capture.jobs, 1)
	job := capture.jobs[0]
	assert.Equal(t, "payments", job.Target)
	assert.Equal(t, "pay", job.TransitionID)
	assert.Equal(t, "review", job.FromStateID)
	assert.Equal(t, "payout.services.transition.pay", job.Binding)
	assert.Equal(t, map[string]interface{}{"amount": "21", "reference": "PAY-21", "currency": "EUR"}, job.Parameters)
	assert.Equal(t, w.ID, job.Input["workflowId"])
	assert.Equal(t, true, job.Input["bestEffort"])
	assert.Equal(t, "ann", job.Actor.Name)

	require.NoError(t, e.HandleJob(ctx, job))
	assert.EqualValues(t, 1, paid.Load())
	assert.Equal(t, map[string]interface{}{"amount": "21", "reference": "PAY-21", "currency": "EUR"}, params)
	snap = assertHistory(t, e, w.ID)
	assert.Equal(t, "paid", snap.Workflow.StateID)
	assert.Equal(t, types.LevelSucceeded, snap.Workflow.TransitionState)

	// the workflow has moved on, a redelivered job is dropped
	require.NoError(t, e.HandleJob(ctx, job))
	assert.EqualValues(t, 1, paid.Load())
}

func TestScheduler_LocalRunner(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t, nil, []string{payoutYAML})
	local := runner.NewLocalRunner(e.HandleJob,
		runner.WithRetry(0, 0),
		runner.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	e.Runners().Register("payments", local)
	bind(e, "payout", binding.KindInitial, "Request", succeed(map[string]interface{}{"amount": "5"}))
	bind(e, "payout", binding.KindTransition, "Pay", succeed(map[string]interface{}{"receipt": "r-1"}))

	w, err := e.Start(ctx, &StartRequest{DefinitionID: "payout", Transition: "request"})
	require.NoError(t, err)
	local.Wait()

	snap := assertHistory(t, e, w.ID)
	assert.Equal(t, "paid", snap.Workflow.StateID)
	assert.Equal(t, "r-1", snap.Properties["receipt"])
}

func TestScheduler_MissingRunnerParksWorkflow(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t, nil, []string{payoutYAML})
	bind(e, "payout", binding.KindInitial, "Request", succeed(map[string]interface{}{"amount": "5"}))
	bind(e, "payout", binding.KindTransition, "Pay", succeed(nil))

	w, err := e.Start(ctx, &StartRequest{DefinitionID: "payout", Transition: "request"})
	require.NoError(t, err)

	snap := assertHistory(t, e, w.ID)
	assert.Equal(t, "review", snap.Workflow.StateID)
	assert.Equal(t, types.LevelWaiting, snap.Workflow.TransitionState)
}
