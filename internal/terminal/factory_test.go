package terminal

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fjod/go_pos/domain"
	"github.com/fjod/go_pos/pkg/circuitbreaker"
)

func TestFactory_RejectsBadConfig(t *testing.T) {
	f := NewFactory()

	tests := []struct {
		name string
		cfg  domain.TerminalConfig
	}{
		{"inactive", domain.TerminalConfig{RegisterID: "r1", TerminalID: "T1", Vendor: VendorMock}},
		{"no terminal id", domain.TerminalConfig{RegisterID: "r1", Vendor: VendorMock, Active: true}},
		{"unknown vendor", domain.TerminalConfig{RegisterID: "r1", TerminalID: "T1", Vendor: "acme", Active: true}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.New(tt.cfg)
			assert.ErrorIs(t, err, ErrInvalidConfig)
		})
	}
}

func TestFactory_BuildsRegisteredVendor(t *testing.T) {
	f := NewFactory()
	scripted := &ScriptedClient{Outcomes: []ScriptedOutcome{{Result: &Result{AuthCode: "A123"}}}}
	f.Register("scripted", func(domain.TerminalConfig) (Client, error) { return scripted, nil })

	c, err := f.New(domain.TerminalConfig{RegisterID: "r1", TerminalID: "T1", Vendor: "scripted", Active: true, TimeoutSeconds: 5})
	require.NoError(t, err)

	g, ok := c.(*Guarded)
	require.True(t, ok)
	assert.Equal(t, 5*time.Second, g.timeout)

	res, err := c.Sale(context.Background(), SaleRequest{ReferenceID: "ref-1"})
	require.NoError(t, err)
	assert.Equal(t, "A123", res.AuthCode)
}

func TestGuarded_TimeoutIsTransient(t *testing.T) {
	g := NewGuarded(blockingClient{}, "T1", 20*time.Millisecond)

	_, err := g.Sale(context.Background(), SaleRequest{})
	assert.ErrorIs(t, err, ErrTimeout)
	assert.True(t, IsTransient(err))
}

func TestGuarded_ParentCancelIsNotTimeout(t *testing.T) {
	g := NewGuarded(blockingClient{}, "T1", time.Hour)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := g.Sale(ctx, SaleRequest{})
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, errors.Is(err, ErrTimeout))
}

func TestGuarded_BreakerOpensOnTransientOnly(t *testing.T) {
	declines := &ScriptedClient{Outcomes: []ScriptedOutcome{{Err: &DeclineError{Reason: "card expired"}}}}
	g := NewGuarded(declines, "T1", time.Second)
	for i := 0; i < 10; i++ {
		_, err := g.Sale(context.Background(), SaleRequest{})
		require.ErrorIs(t, err, ErrDeclined)
	}
	assert.Equal(t, "closed", g.breaker.State())

	busy := &ScriptedClient{Outcomes: []ScriptedOutcome{{Err: ErrBusy}}}
	g = NewGuarded(busy, "T2", time.Second)
	for i := 0; i < 5; i++ {
		_, err := g.Sale(context.Background(), SaleRequest{})
		require.ErrorIs(t, err, ErrBusy)
	}

	_, err := g.Sale(context.Background(), SaleRequest{})
	assert.ErrorIs(t, err, ErrBusy)
	assert.ErrorIs(t, err, circuitbreaker.ErrOpen)
	assert.Equal(t, 5, busy.callCount(), "open breaker must not reach the terminal")
}

func TestMock_SaleIsIdempotentPerReference(t *testing.T) {
	m := NewMock(0)
	ctx := context.Background()

	var first *Result
	for {
		res, err := m.Sale(ctx, SaleRequest{ReferenceID: "ref-1"})
		if err == nil {
			first = res
			break
		}
		// failed rolls are not remembered, so the same reference can be tried again
		require.True(t, errors.Is(err, ErrBusy) || errors.Is(err, ErrDeclined))
	}

	again, err := m.Sale(ctx, SaleRequest{ReferenceID: "ref-1"})
	require.NoError(t, err)
	assert.Equal(t, first, again)
}

func TestCalcOutcome(t *testing.T) {
	res, err := calcOutcome(0)
	require.NoError(t, err)
	assert.Equal(t, "VISA", res.CardType)

	res, err = calcOutcome(91)
	require.NoError(t, err)
	assert.Len(t, res.Last4, 4)

	_, err = calcOutcome(92)
	assert.ErrorIs(t, err, ErrBusy)

	_, err = calcOutcome(100)
	var de *DeclineError
	require.ErrorAs(t, err, &de)
	assert.Equal(t, "lost or stolen", de.Reason)
}
