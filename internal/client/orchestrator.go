package client

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/fjod/go_pos/domain"
	"github.com/fjod/go_pos/internal/idgen"
	"github.com/fjod/go_pos/internal/journal"
	"github.com/fjod/go_pos/internal/lease"
	"github.com/fjod/go_pos/internal/realtime"
	"github.com/fjod/go_pos/internal/terminal"
	"github.com/fjod/go_pos/internal/usererr"
	"github.com/fjod/go_pos/pkg/logger"
)

const (
	intentChannel = "payment-intent"
	reportTimeout = time.Minute
	cancelTimeout = 10 * time.Second
)

// IntentAPI is the part of the payment service the orchestrator talks to. *API implements it.
type IntentAPI interface {
	CreateIntent(ctx context.Context, req *domain.CreateIntentRequest) (*domain.CreateIntentResponse, error)
	GetIntent(ctx context.Context, id uuid.UUID) (*domain.PaymentIntent, error)
	CancelIntent(ctx context.Context, id uuid.UUID) (*domain.PaymentIntent, error)
	ReportTerminalResult(ctx context.Context, rep *domain.TerminalReport) (*domain.PaymentIntent, error)
}

// ChannelSubscriber is implemented by realtime.Channels.
type ChannelSubscriber interface {
	Subscribe(ctx context.Context, name string, f realtime.Filter, h realtime.Handler) error
	Unsubscribe(name string)
}

// OutcomeJournal is implemented by journal.Journal.
type OutcomeJournal interface {
	Record(ctx context.Context, o *journal.Outcome) error
	MarkReported(ctx context.Context, referenceID string, reportErr error) error
	Pending(ctx context.Context) ([]*journal.Outcome, error)
}

type Config struct {
	Session  domain.SessionContext
	Currency string

	CardTimeout    time.Duration
	InvoiceTimeout time.Duration
	CashTimeout    time.Duration
	PollInterval   time.Duration
	// SettleDelay is waited before the second card of a payment; terminals need it to reset.
	SettleDelay time.Duration
	Retry       terminal.RetryPolicy
}

func DefaultConfig() Config {
	return Config{
		Currency:       "USD",
		CardTimeout:    300 * time.Second,
		InvoiceTimeout: 60 * time.Second,
		CashTimeout:    30 * time.Second,
		PollInterval:   3 * time.Second,
		SettleDelay:    2 * time.Second,
		Retry:          terminal.DefaultRetryPolicy(),
	}
}

type PaymentRequest struct {
	domain.CreateIntentRequest
	// Label is shown next to the amount while the payment runs.
	Label string
}

// Completion describes a settled payment.
type Completion struct {
	IntentID    uuid.UUID
	Method      domain.PaymentMethod
	OrderID     uuid.UUID
	OrderNumber string
	AmountDue   decimal.Decimal
	ChangeDue   *decimal.Decimal
	AuthCode    string
	CardType    string
	CardLast4   string
	Legs        []domain.Leg
}

// flow is one Submit call.
type flow struct {
	ctx       context.Context
	cancel    context.CancelFunc
	cancelled atomic.Bool
	id        uuid.UUID // guarded by Orchestrator.mu

	updates chan *domain.PaymentIntent
	results chan legResult

	// touched only by the Submit goroutine
	handled map[string]bool

	// set by a leg before it reports, so the failed status that follows can be explained
	legMu  sync.Mutex
	legErr *PaymentError

	// guarded by the emitter lock
	finished bool
}

func (f *flow) setLegErr(err *PaymentError) {
	f.legMu.Lock()
	f.legErr = err
	f.legMu.Unlock()
}

func (f *flow) lastLegErr() *PaymentError {
	f.legMu.Lock()
	defer f.legMu.Unlock()
	if f.legErr == nil {
		return nil
	}
	c := *f.legErr
	return &c
}

// legResult is what a finished leg hands back: the intent the report returned, or the
// error that kept the report from being delivered.
type legResult struct {
	intent *domain.PaymentIntent
	err    *PaymentError
}

// Orchestrator runs one payment at a time from this register. When the backend waits for
// the terminal, the orchestrator is the one that charges the card and reports back.
type Orchestrator struct {
	api       IntentAPI
	channels  ChannelSubscriber
	terminals TerminalResolver
	journal   OutcomeJournal
	leases    *lease.Manager
	cfg       Config
	log       *logger.Logger

	state *emitter
	legs  sync.WaitGroup

	mu   sync.Mutex
	flow *flow
}

// NewOrchestrator wires an orchestrator. channels and j may be nil: without channels the
// orchestrator only polls, without a journal outcomes are not kept for replay.
func NewOrchestrator(api IntentAPI, channels ChannelSubscriber, terminals TerminalResolver, j OutcomeJournal, leases *lease.Manager, cfg Config, log *logger.Logger) *Orchestrator {
	def := DefaultConfig()
	if cfg.CardTimeout <= 0 {
		cfg.CardTimeout = def.CardTimeout
	}
	if cfg.InvoiceTimeout <= 0 {
		cfg.InvoiceTimeout = def.InvoiceTimeout
	}
	if cfg.CashTimeout <= 0 {
		cfg.CashTimeout = def.CashTimeout
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if leases == nil {
		leases = lease.NewManager()
	}
	if log == nil {
		log = logger.Nop()
	}
	return &Orchestrator{
		api:       api,
		channels:  channels,
		terminals: terminals,
		journal:   j,
		leases:    leases,
		cfg:       cfg,
		log:       log.WithComponent("payment-orchestrator"),
		state:     newEmitter(),
	}
}

// State returns the current local state.
func (o *Orchestrator) State() State {
	return o.state.current()
}

// Observe streams state changes, starting with the current state. Call the returned func to
// stop observing.
func (o *Orchestrator) Observe() (<-chan State, func()) {
	return o.state.observe()
}

func (o *Orchestrator) CanStartPayment() bool {
	o.mu.Lock()
	busy := o.flow != nil
	o.mu.Unlock()
	if busy {
		return false
	}
	ph := o.state.current().Phase
	return ph == PhaseIdle || ph == PhaseFailed
}

// Reset returns a finished payment to idle.
func (o *Orchestrator) Reset() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.flow == nil {
		o.state.set(State{Phase: PhaseIdle})
	}
}

// Submit creates the payment and follows it until the backend settles it, the operator
// cancels it, or the method's timeout runs out. Non-completed payments return *PaymentError.
func (o *Orchestrator) Submit(ctx context.Context, req PaymentRequest) (*Completion, error) {
	f, err := o.begin(ctx, req.Method)
	if err != nil {
		return nil, err
	}
	defer o.end(f)

	l := o.leases.Acquire("payment")
	defer l.Release()

	if o.journal != nil {
		if err := o.ReplayPending(f.ctx); err != nil {
			o.log.Warn("unreported terminal outcomes remain", "error", err)
		}
	}

	create := req.CreateIntentRequest
	if create.RegisterID == "" {
		create.SessionContext = o.cfg.Session
	}
	if create.Currency == "" {
		create.Currency = o.cfg.Currency
	}
	if create.IdempotencyKey == "" {
		create.IdempotencyKey = idgen.NewIdempotencyKey()
	}

	due := create.Total.Sub(create.LoyaltyDiscount)
	o.show(f, State{Phase: PhaseProcessing, Message: "Starting payment", Amount: &due, Label: req.Label}, false)

	resp, err := o.api.CreateIntent(f.ctx, &create)
	if err != nil {
		if f.ctx.Err() != nil {
			return nil, o.interrupted(f, nil)
		}
		return nil, o.fail(f, classifyAPIError(uuid.Nil, "create payment", err))
	}
	o.mu.Lock()
	f.id = resp.IntentID
	o.mu.Unlock()

	log := o.log.With("intent_id", resp.IntentID)
	log.Info("payment submitted",
		"method", create.Method,
		"status", resp.Status,
		"idempotent", resp.Idempotent,
	)

	if o.channels != nil {
		filter := realtime.Filter{Table: realtime.TablePaymentIntents, Column: "id", Value: resp.IntentID.String()}
		if err := o.channels.Subscribe(f.ctx, intentChannel, filter, o.intentHandler(f, log)); err != nil {
			log.Warn("realtime subscription failed, polling only", "error", err)
		} else {
			defer o.channels.Unsubscribe(intentChannel)
		}
	}

	// transitions made before the subscription was open, awaiting_terminal included, are
	// only visible by fetching
	first, err := o.api.GetIntent(f.ctx, resp.IntentID)
	if err != nil {
		log.Warn("initial intent fetch failed", "error", err)
		first = nil
	}
	return o.wait(f, first, log)
}

func (o *Orchestrator) begin(ctx context.Context, method domain.PaymentMethod) (*flow, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.flow != nil {
		return nil, ErrPaymentInProgress
	}
	if ph := o.state.current().Phase; ph != PhaseIdle && ph != PhaseFailed {
		return nil, ErrPaymentInProgress
	}

	fctx, cancel := context.WithTimeout(ctx, o.timeoutFor(method))
	f := &flow{
		ctx:     fctx,
		cancel:  cancel,
		updates: make(chan *domain.PaymentIntent, 16),
		results: make(chan legResult, 4),
		handled: make(map[string]bool),
	}
	o.flow = f
	return f, nil
}

func (o *Orchestrator) end(f *flow) {
	f.cancel()
	o.mu.Lock()
	if o.flow == f {
		o.flow = nil
	}
	o.mu.Unlock()
}

func (o *Orchestrator) timeoutFor(m domain.PaymentMethod) time.Duration {
	switch m {
	case domain.PaymentMethodInvoice:
		return o.cfg.InvoiceTimeout
	case domain.PaymentMethodCash:
		return o.cfg.CashTimeout
	}
	return o.cfg.CardTimeout
}

func (o *Orchestrator) intentHandler(f *flow, log *logger.Logger) realtime.Handler {
	return func(e realtime.Event) {
		p, err := realtime.DecodeIntent(e)
		if err != nil {
			log.Warn("ignoring intent event", "error", err)
			return
		}
		select {
		case f.updates <- p:
		default:
			log.Debug("intent update dropped, poll will catch up", "status", p.Status)
		}
	}
}

func (o *Orchestrator) wait(f *flow, first *domain.PaymentIntent, log *logger.Logger) (*Completion, error) {
	ticker := time.NewTicker(o.cfg.PollInterval)
	defer ticker.Stop()

	var cur *domain.PaymentIntent
	next := first
	for {
		if next != nil {
			if done, c, err := o.apply(f, &cur, next); done {
				return c, err
			}
			next = nil
		}

		select {
		case <-f.ctx.Done():
			return nil, o.interrupted(f, cur)
		case p := <-f.updates:
			next = p
		case res := <-f.results:
			if res.err != nil {
				// the backend never heard about the terminal outcome; the journal keeps it
				return nil, o.fail(f, res.err)
			}
			next = res.intent
		case <-ticker.C:
			p, err := o.api.GetIntent(f.ctx, o.intentID(f))
			if err != nil {
				log.Debug("intent poll failed", "error", err)
				continue
			}
			next = p
		}
	}
}

// apply renders in if it is newer than what was rendered so far and reports whether the
// payment is over.
func (o *Orchestrator) apply(f *flow, cur **domain.PaymentIntent, in *domain.PaymentIntent) (bool, *Completion, error) {
	if !domain.IsNewer(*cur, in) {
		return false, nil, nil
	}
	*cur = in

	switch in.Status {
	case domain.IntentStatusCompleted:
		c := completionFrom(in)
		o.show(f, State{Phase: PhaseSuccess, IntentID: in.ID, Message: "Payment complete", Amount: &c.AmountDue, Completion: c}, true)
		o.log.Info("payment completed", "intent_id", in.ID, "order_number", c.OrderNumber)
		return true, c, nil

	case domain.IntentStatusFailed:
		perr := f.lastLegErr()
		if perr == nil {
			perr = newPaymentError(KindServerFailure, in.ID, messageOr(in.ErrorMessage, "Payment failed"), nil)
		}
		perr.IntentID = in.ID
		return true, nil, o.fail(f, perr)

	case domain.IntentStatusCancelled:
		return true, nil, o.fail(f, newPaymentError(KindCancelled, in.ID, "Payment cancelled", nil))

	case domain.IntentStatusExpired:
		return true, nil, o.fail(f, newPaymentError(KindServerFailure, in.ID, messageOr(in.ErrorMessage, "Payment expired"), nil))

	case domain.IntentStatusAwaitingTerminal:
		amount := in.AmountDue
		if in.TerminalAmount != nil {
			amount = *in.TerminalAmount
		}
		o.show(f, State{Phase: PhaseProcessing, IntentID: in.ID, Message: presentCardMessage(in), Amount: &amount}, false)
		o.startLeg(f, in)

	default:
		due := in.AmountDue
		o.show(f, State{Phase: PhaseProcessing, IntentID: in.ID, Message: in.StatusMessage, Amount: &due}, false)
	}
	return false, nil, nil
}

// interrupted ends a flow whose context is done: operator cancel, caller cancel or timeout.
func (o *Orchestrator) interrupted(f *flow, cur *domain.PaymentIntent) error {
	id := o.intentID(f)
	if f.cancelled.Load() {
		return newPaymentError(KindCancelled, id, "Payment cancelled", context.Canceled)
	}

	cause := f.ctx.Err()
	if id != uuid.Nil && (cur == nil || !cur.Status.IsTerminal()) {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(f.ctx), cancelTimeout)
		if _, err := o.api.CancelIntent(ctx, id); err != nil {
			o.log.Warn("failed to cancel abandoned intent", "intent_id", id, "error", err)
		}
		cancel()
	}
	if errors.Is(cause, context.DeadlineExceeded) {
		return o.fail(f, newPaymentError(KindNetwork, id, "Payment timed out", cause))
	}
	return o.fail(f, newPaymentError(KindCancelled, id, "Payment cancelled", cause))
}

// Cancel asks the backend to cancel the running payment and returns the register to idle at
// once. A terminal call already running still finishes; the backend ignores its report.
func (o *Orchestrator) Cancel(ctx context.Context) error {
	o.mu.Lock()
	f := o.flow
	var id uuid.UUID
	if f != nil {
		id = f.id
		f.cancelled.Store(true)
	}
	o.mu.Unlock()

	o.state.set(State{Phase: PhaseIdle, IntentID: id, Message: "Payment cancelled"})
	if f == nil {
		return nil
	}
	f.cancel()
	if id == uuid.Nil {
		return nil
	}
	if _, err := o.api.CancelIntent(ctx, id); err != nil {
		return fmt.Errorf("cancel payment %s: %w", id, err)
	}
	o.log.Info("payment cancelled by operator", "intent_id", id)
	return nil
}

// Close cancels a running payment and waits for terminal calls to finish reporting.
func (o *Orchestrator) Close() {
	o.mu.Lock()
	if o.flow != nil {
		o.flow.cancel()
	}
	o.mu.Unlock()
	o.legs.Wait()
	o.state.close()
}

func (o *Orchestrator) intentID(f *flow) uuid.UUID {
	o.mu.Lock()
	defer o.mu.Unlock()
	return f.id
}

// show renders s unless the flow was cancelled or already rendered its final state.
func (o *Orchestrator) show(f *flow, s State, final bool) {
	o.state.update(func(State) (State, bool) {
		if f.cancelled.Load() || f.finished {
			return State{}, false
		}
		if final {
			f.finished = true
		}
		return s, true
	})
}

func (o *Orchestrator) fail(f *flow, perr *PaymentError) *PaymentError {
	s := State{Phase: PhaseFailed, IntentID: perr.IntentID, Message: perr.Message, Err: perr}
	if perr.IsCancelled() {
		s = State{Phase: PhaseIdle, IntentID: perr.IntentID, Message: perr.Message}
	}
	o.show(f, s, true)
	o.log.Info("payment not completed",
		"intent_id", perr.IntentID,
		"kind", perr.Kind,
		"category", perr.Category(),
		"error", perr.Err,
	)
	return perr
}

func completionFrom(p *domain.PaymentIntent) *Completion {
	c := &Completion{
		IntentID:  p.ID,
		Method:    p.Method,
		AmountDue: p.AmountDue,
		ChangeDue: p.ChangeDue,
		AuthCode:  deref(p.AuthCode),
		CardType:  deref(p.CardType),
		CardLast4: deref(p.CardLast4),
		Legs:      append([]domain.Leg(nil), p.Legs...),
	}
	if p.OrderID != nil {
		c.OrderID = *p.OrderID
	}
	c.OrderNumber = deref(p.OrderNumber)
	if c.ChangeDue == nil && p.CashTendered != nil {
		change := domain.Round2(p.CashTendered.Sub(p.AmountDue))
		c.ChangeDue = &change
	}
	return c
}

func presentCardMessage(p *domain.PaymentIntent) string {
	if p.Method == domain.PaymentMethodMultiCard && p.CurrentCardNumber != nil {
		return fmt.Sprintf("Present card %d of 2", *p.CurrentCardNumber)
	}
	return "Present card"
}

func messageOr(msg *string, def string) string {
	if msg != nil && *msg != "" {
		return *msg
	}
	return def
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

// retryableReport is true for report failures worth sending again.
func retryableReport(err error) bool {
	if IsStaleReport(err) {
		return false
	}
	return usererr.Categorize(err).Retryable()
}
