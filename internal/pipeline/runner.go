// Package pipeline runs the ordered market creation steps for one request.
package pipeline

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"log"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"market-relayer/internal/chain"
	"market-relayer/internal/domain"
	"market-relayer/internal/facets"
	"market-relayer/internal/idhash"
	"market-relayer/internal/metatx"
	"market-relayer/internal/observability"
	"market-relayer/internal/progress"
	"market-relayer/internal/reconcile"
	"market-relayer/internal/storage"
	"market-relayer/internal/validation"
)

// Default timing.
const (
	DefaultConfirmTimeout = 90 * time.Second
	journalFlushTimeout   = 5 * time.Second

	// maxConfirmations bounds the mined-receipt waits of one run: creation,
	// selector repair, two role grants and registry registration.
	maxConfirmations = 5
	drainSlack       = 30 * time.Second
)

// Options wires a Runner. Registry, Journal and Broadcaster are optional.
type Options struct {
	Backend    chain.Backend
	Signers    *chain.SignerPool
	Key        *ecdsa.PrivateKey
	Factory    common.Address
	Vault      common.Address
	Registry   common.Address
	Builder    *facets.Builder
	Authorizer *metatx.Authorizer
	Reconciler *reconcile.Reconciler

	Journal     storage.StepStore
	Broadcaster *progress.Broadcaster

	ConfirmTimeout time.Duration
	PollInterval   time.Duration

	Logger *log.Logger
	Now    func() time.Time
}

// step is one named unit of work. skip, when set and true, leaves the step
// out of the log entirely. A nonFatal step's error is recorded and the run continues.
type step struct {
	name     string
	run      func(ctx context.Context, s *State) error
	skip     func(s *State) bool
	nonFatal bool
}

// Runner executes pipelines. It is safe for concurrent use; transaction
// submission is serialized per signer by the SignerPool.
type Runner struct {
	opts    Options
	relayer common.Address
	factory *chain.Factory
	steps   []step
	log     *log.Logger

	inflight sync.WaitGroup
	mu       sync.Mutex
	active   map[*State]struct{}
}

// New validates opts and creates a Runner.
func New(opts Options) (*Runner, error) {
	var missing []string
	if opts.Backend == nil {
		missing = append(missing, "backend")
	}
	if opts.Signers == nil {
		missing = append(missing, "signer pool")
	}
	if opts.Key == nil {
		missing = append(missing, "relayer key")
	}
	if opts.Factory == (common.Address{}) {
		missing = append(missing, "factory address")
	}
	if opts.Vault == (common.Address{}) {
		missing = append(missing, "vault address")
	}
	if opts.Builder == nil {
		missing = append(missing, "facet builder")
	}
	if opts.Authorizer == nil {
		missing = append(missing, "authorizer")
	}
	if opts.Reconciler == nil {
		missing = append(missing, "reconciler")
	}
	if len(missing) > 0 {
		return nil, domain.ConfigurationError("pipeline missing " + strings.Join(missing, ", "))
	}

	if opts.ConfirmTimeout <= 0 {
		opts.ConfirmTimeout = DefaultConfirmTimeout
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = chain.DefaultPollInterval
	}
	if opts.Logger == nil {
		opts.Logger = log.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	r := &Runner{
		opts:    opts,
		relayer: crypto.PubkeyToAddress(opts.Key.PublicKey),
		factory: chain.NewFactory(opts.Factory, opts.Backend),
		log:     opts.Logger,
		active:  make(map[*State]struct{}),
	}
	r.steps = []step{
		{name: domain.StepValidating, run: r.validate},
		{name: domain.StepBuildingCut, run: r.buildCut},
		{name: domain.StepAuthorizing, run: r.authorize, skip: notGasless},
		{name: domain.StepSubmittingCreation, run: r.submitCreation},
		{name: domain.StepConfirming, run: r.confirm, skip: alreadyExisted},
		{name: domain.StepResolvingEvent, run: r.resolveEvent, skip: alreadyExisted},
		{name: domain.StepRepairingSelectors, run: r.repairSelectors, nonFatal: true},
		{name: domain.StepGrantingRoles, run: r.grantRoles},
		{name: domain.StepPersisting, run: r.persist},
	}
	return r, nil
}

// Relayer returns the relayer's signing address.
func (r *Runner) Relayer() common.Address {
	return r.relayer
}

func notGasless(s *State) bool {
	// Gasless fields sent to a relayer with gasless disabled still go
	// through authorizing so the caller gets a precise validation error.
	return s.Request == nil || !s.Request.IsGasless()
}

func alreadyExisted(s *State) bool {
	return s.Outcome.Existing
}

// Run executes the pipeline for in. It always returns an Outcome; Outcome.Err
// is set when the run failed. On-chain identifiers are filled in as soon as
// they are known.
func (r *Runner) Run(ctx context.Context, in validation.Input) *domain.Outcome {
	start := r.opts.Now()
	done := observability.PipelineStarted()
	defer done()

	s := r.newState(in)
	r.track(s)
	defer r.untrack(s)
	defer s.releaseSigner()

	for _, st := range r.steps {
		if st.skip != nil && st.skip(s) {
			continue
		}

		runCtx := ctx
		if s.submitted {
			runCtx = context.WithoutCancel(ctx)
		} else if err := ctx.Err(); err != nil {
			r.fail(s, st.name, &domain.Error{
				Kind: domain.KindNetwork,
				Step: st.name,
				Msg:  "request cancelled before " + st.name,
				Err:  err,
			})
			break
		}

		if err := r.runStep(runCtx, s, st); err != nil {
			if st.nonFatal {
				s.Outcome.Warnings = append(s.Outcome.Warnings, fmt.Sprintf("%s: %v", st.name, err))
				continue
			}
			r.fail(s, st.name, err)
			break
		}
	}

	status := domain.StepFailed
	if s.Outcome.Err == nil {
		status = domain.StepDone
		r.record(s, domain.StepDone, domain.StepSuccess, map[string]any{
			"orderBookAddress": s.Outcome.OrderBookAddress,
			"marketId":         s.Outcome.MarketID,
			"existing":         s.Outcome.Existing,
		})
	}
	observability.RecordPipelineRun(s.mode(), status, r.opts.Now().Sub(start).Seconds())

	r.flushJournal(ctx, s)
	return s.Outcome
}

func (r *Runner) track(s *State) {
	r.mu.Lock()
	r.active[s] = struct{}{}
	r.inflight.Add(1)
	r.mu.Unlock()
}

func (r *Runner) untrack(s *State) {
	r.mu.Lock()
	delete(r.active, s)
	r.mu.Unlock()
	r.inflight.Done()
}

// DrainBudget is how long Drain may need for a run that has just submitted
// its creation transaction.
func (r *Runner) DrainBudget() time.Duration {
	return r.opts.ConfirmTimeout*maxConfirmations + drainSlack
}

// Drain waits for every in-flight Run to return. If ctx ends first it
// returns an error naming the pipelines still running.
func (r *Runner) Drain(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		r.inflight.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
	}

	r.mu.Lock()
	ids := make([]string, 0, len(r.active))
	for s := range r.active {
		ids = append(ids, s.PipelineID)
	}
	r.mu.Unlock()
	sort.Strings(ids)
	return fmt.Errorf("%d pipelines still running: %s: %w", len(ids), strings.Join(ids, ", "), ctx.Err())
}

func (r *Runner) newState(in validation.Input) *State {
	s := &State{Input: in}

	id := strings.TrimSpace(in.PipelineID)
	if idhash.ValidPipelineID(id) {
		s.PipelineID = id
		s.broadcast = true
	} else if generated, err := idhash.NewPipelineID(); err == nil {
		s.PipelineID = generated
	} else {
		r.log.Printf("generate pipeline id: %v", err)
	}

	s.Outcome = &domain.Outcome{
		PipelineID: s.PipelineID,
		ChainID:    r.opts.Signers.ChainID().Int64(),
	}
	return s
}

// runStep executes st, bracketing it with start and success/error entries.
func (r *Runner) runStep(ctx context.Context, s *State, st step) error {
	r.record(s, st.name, domain.StepStart, nil)
	s.data = nil

	began := time.Now()
	err := st.run(ctx, s)
	elapsed := time.Since(began).Seconds()

	if err != nil {
		de := domain.AsError(err)
		if de.Step == "" {
			de.Step = st.name
		}
		payload := map[string]any{"error": de.Error(), "kind": string(de.Kind)}
		if de.DecodedName != "" {
			payload["decodedErrorName"] = de.DecodedName
		}
		r.record(s, st.name, domain.StepError, payload)
		observability.RecordStep(st.name, string(domain.StepError), elapsed)
		r.log.Printf("pipeline %s: %s failed: %v", s.PipelineID, st.name, de)
		return de
	}

	r.record(s, st.name, domain.StepSuccess, s.data)
	observability.RecordStep(st.name, string(domain.StepSuccess), elapsed)
	return nil
}

// fail terminates the run with err attributed to stepName.
func (r *Runner) fail(s *State, stepName string, err error) {
	de := domain.AsError(err)
	if de.Step == "" {
		de.Step = stepName
	}
	s.Outcome.Err = de
	r.record(s, domain.StepFailed, domain.StepError, map[string]any{
		"step":  de.Step,
		"kind":  string(de.Kind),
		"error": de.Error(),
	})
}

// record appends a log entry and publishes it.
func (r *Runner) record(s *State, name string, status domain.StepStatus, data map[string]any) {
	entry := domain.PipelineStep{
		PipelineID:  s.PipelineID,
		Seq:         len(s.Outcome.Steps),
		Name:        name,
		Status:      status,
		TimestampMs: r.opts.Now().UnixMilli(),
		Payload:     data,
	}
	s.Outcome.Steps = append(s.Outcome.Steps, entry.Clone())
	if status == domain.StepStart {
		observability.RecordStep(name, string(status), 0)
	}
	if s.broadcast {
		r.opts.Broadcaster.Publish(s.PipelineID, entry.Seq, name, status, entry.Clone().Payload)
	}
}

// flushJournal writes the step log, best-effort, even if ctx was cancelled.
func (r *Runner) flushJournal(ctx context.Context, s *State) {
	if r.opts.Journal == nil || len(s.Outcome.Steps) == 0 {
		return
	}
	fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), journalFlushTimeout)
	defer cancel()

	steps := make([]*domain.PipelineStep, len(s.Outcome.Steps))
	for i := range s.Outcome.Steps {
		c := s.Outcome.Steps[i].Clone()
		steps[i] = &c
	}
	if err := r.opts.Journal.InsertBulk(fctx, steps); err != nil {
		r.log.Printf("pipeline %s: journal flush failed: %v", s.PipelineID, err)
	}
}
