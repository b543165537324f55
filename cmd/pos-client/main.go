package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/fjod/go_pos/domain"
	"github.com/fjod/go_pos/internal/client"
	"github.com/fjod/go_pos/internal/config"
	"github.com/fjod/go_pos/internal/idgen"
	"github.com/fjod/go_pos/internal/journal"
	"github.com/fjod/go_pos/internal/lease"
	"github.com/fjod/go_pos/internal/mutation"
	"github.com/fjod/go_pos/internal/realtime"
	"github.com/fjod/go_pos/internal/terminal"
	"github.com/fjod/go_pos/pkg/logger"
)

const usage = `commands:
  pay <cart-id> cash <tendered>
  pay <cart-id> card
  pay <cart-id> split <cash-amount>
  pay <cart-id> multi_card <card1-percent>
  pay <cart-id> invoice <email>
  cancel
  orders
  quit`

const journalRetention = 30 * 24 * time.Hour

func main() {
	cfg, err := config.LoadClient()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	log := logger.New(cfg.Log)
	if err := run(cfg, log); err != nil {
		log.Error("pos client failed", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Client, log *logger.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	api := client.NewAPI(cfg.APIURL, cfg.APIToken, client.NewHTTPClient(cfg.RequestTimeout))

	// the stream request must not be bounded by a client timeout
	sse := realtime.NewSSEClient(cfg.APIURL+"/api/v1/realtime", client.NewHTTPClient(0), realtime.DefaultBackoff(), log)
	channels := realtime.NewChannels(sse, log)
	defer channels.Close()

	j, err := journal.Open(cfg.JournalPath)
	if err != nil {
		return fmt.Errorf("failed to open journal: %w", err)
	}
	defer j.Close()
	if n, err := j.Prune(ctx, time.Now().Add(-journalRetention)); err != nil {
		log.Warn("journal prune failed", "error", err)
	} else if n > 0 {
		log.Info("pruned reported terminal outcomes", "count", n)
	}

	leases := lease.NewManager()
	leases.OnFirstAcquire(func() { log.Info("keeping register awake") })
	leases.OnLastRelease(func() { log.Info("register may sleep") })

	retry := terminal.DefaultRetryPolicy()
	retry.MaxRetries = cfg.MaxRetries
	orch := client.NewOrchestrator(
		api,
		channels,
		client.NewTerminals(api, terminal.NewFactory(), client.DefaultTerminalTTL, log),
		j,
		leases,
		client.Config{
			Session: domain.SessionContext{
				StoreID:    cfg.StoreID,
				LocationID: cfg.LocationID,
				RegisterID: cfg.RegisterID,
				OperatorID: cfg.OperatorID,
			},
			CardTimeout:    cfg.CardTimeout,
			InvoiceTimeout: cfg.InvoiceTimeout,
			CashTimeout:    cfg.CashTimeout,
			PollInterval:   cfg.PollInterval,
			SettleDelay:    cfg.SettleDelay,
			Retry:          retry,
		},
		log,
	)
	defer orch.Close()

	if err := orch.ReplayPending(ctx); err != nil {
		log.Warn("some terminal outcomes are still undelivered", "error", err)
	}

	book := client.NewOrderBook(mutation.New(), api, log)
	if cfg.LocationID != "" {
		if err := book.Watch(ctx, channels, cfg.LocationID); err != nil {
			log.Warn("order updates unavailable", "error", err)
		}
	}

	// SIGUSR1/SIGUSR2 stand in for the host moving the app to the background and back
	lifecycle := make(chan os.Signal, 1)
	signal.Notify(lifecycle, syscall.SIGUSR1, syscall.SIGUSR2)
	defer signal.Stop(lifecycle)
	go func() {
		for sig := range lifecycle {
			if sig == syscall.SIGUSR1 {
				channels.Suspend()
				continue
			}
			if err := channels.Resume(ctx); err != nil {
				log.Warn("resume incomplete", "error", err)
			}
		}
	}()

	states, unobserve := orch.Observe()
	defer unobserve()
	go printStates(states)

	attempts := &cartAttempts{n: make(map[string]int)}
	var payments sync.WaitGroup
	defer payments.Wait()
	// runs before the Wait above: a payment still in flight is interrupted, not awaited
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(os.Stdin)
		for sc.Scan() {
			lines <- sc.Text()
		}
	}()

	fmt.Println(usage)
	for {
		var line string
		select {
		case <-ctx.Done():
			return nil
		case l, ok := <-lines:
			if !ok {
				return nil
			}
			line = l
		}

		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}
		switch fields[0] {
		case "pay":
			req, err := parsePayment(fields[1:])
			if err != nil {
				fmt.Println(err)
				continue
			}
			if !orch.CanStartPayment() {
				fmt.Println(client.ErrPaymentInProgress)
				continue
			}
			req.IdempotencyKey = idgen.IdempotencyKeyFor(cfg.RegisterID, *req.CartID, attempts.current(*req.CartID))
			payments.Add(1)
			go func() {
				defer payments.Done()
				if !pay(ctx, orch, book, req) {
					attempts.next(*req.CartID)
				}
			}()
		case "cancel":
			cctx, cancel := context.WithTimeout(ctx, 10*time.Second)
			if err := orch.Cancel(cctx); err != nil {
				fmt.Println("cancel:", err)
			}
			cancel()
		case "orders":
			printOrders(book)
		case "quit", "exit":
			return nil
		default:
			fmt.Println(usage)
		}
	}
}

// cartAttempts numbers payment attempts per cart. A resubmit after a crash reuses the
// attempt's idempotency key; a finished failure moves to the next one.
type cartAttempts struct {
	mu sync.Mutex
	n  map[string]int
}

func (a *cartAttempts) current(cartID string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.n[cartID]
}

func (a *cartAttempts) next(cartID string) {
	a.mu.Lock()
	a.n[cartID]++
	a.mu.Unlock()
}

// pay runs one payment and reports whether it completed.
func pay(ctx context.Context, orch *client.Orchestrator, book *client.OrderBook, req client.PaymentRequest) bool {
	done, err := orch.Submit(ctx, req)
	if err != nil {
		var perr *client.PaymentError
		if errors.As(err, &perr) && !perr.IsCancelled() {
			fmt.Printf("payment failed: %s (%s)\n", perr.Message, perr.Category().Message())
		}
		return false
	}
	fmt.Printf("order %s paid: %s due", done.OrderNumber, done.AmountDue.StringFixed(domain.CurrencyScale))
	if done.ChangeDue != nil && done.ChangeDue.IsPositive() {
		fmt.Printf(", change %s", done.ChangeDue.StringFixed(domain.CurrencyScale))
	}
	fmt.Println()

	if done.OrderID != uuid.Nil {
		if err := book.Load(ctx, done.OrderID); err != nil {
			fmt.Println("order not loaded:", err)
		}
	}
	return true
}

func parsePayment(args []string) (client.PaymentRequest, error) {
	var req client.PaymentRequest
	if len(args) < 2 {
		return req, errors.New("usage: pay <cart-id> <method> [arg]")
	}
	cartID := args[0]
	req.CartID = &cartID
	req.Method = domain.PaymentMethod(args[1])
	if !req.Method.IsValid() {
		return req, fmt.Errorf("unknown method %q", args[1])
	}

	var arg string
	if len(args) > 2 {
		arg = args[2]
	}
	amount := func() (*decimal.Decimal, error) {
		d, err := decimal.NewFromString(arg)
		if err != nil {
			return nil, fmt.Errorf("%s needs an amount: %w", req.Method, err)
		}
		return &d, nil
	}

	var err error
	switch req.Method {
	case domain.PaymentMethodCash:
		req.CashTendered, err = amount()
	case domain.PaymentMethodSplit:
		req.SplitCashAmount, err = amount()
	case domain.PaymentMethodMultiCard:
		req.Card1Percent, err = amount()
	case domain.PaymentMethodInvoice:
		if arg == "" {
			err = errors.New("invoice needs an email")
		}
		req.InvoiceEmail = arg
	}
	return req, err
}

func printStates(states <-chan client.State) {
	for s := range states {
		if s.Message == "" {
			continue
		}
		if s.Amount != nil {
			fmt.Printf("[%s] %s %s\n", s.Phase, s.Message, s.Amount.StringFixed(domain.CurrencyScale))
			continue
		}
		fmt.Printf("[%s] %s\n", s.Phase, s.Message)
	}
}

func printOrders(book *client.OrderBook) {
	snap := book.Snapshot()
	if snap.Len() == 0 {
		fmt.Println("no orders")
		return
	}
	for _, status := range snap.GroupKeys(client.IndexOrderStatus) {
		fmt.Printf("%s:\n", status)
		for _, o := range snap.Group(client.IndexOrderStatus, status) {
			fmt.Printf("  %s  %s %s\n", o.OrderNumber, o.Total.StringFixed(domain.CurrencyScale), o.Currency)
		}
	}
}
