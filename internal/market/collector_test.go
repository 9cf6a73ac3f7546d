package market

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eddiefleurent/bullwise/internal/broker"
	"github.com/eddiefleurent/bullwise/internal/notify"
)

type staticSymbols struct {
	symbols []string
	err     error
}

func (s *staticSymbols) Symbols(context.Context) ([]string, error) { return s.symbols, s.err }

type emptyLedger struct{}

func (emptyLedger) PositionsWithOrders(context.Context) ([]notify.PositionView, error) {
	return []notify.PositionView{}, nil
}

func (emptyLedger) StrayOrders(context.Context) ([]notify.OrderView, error) {
	return []notify.OrderView{}, nil
}

type balanceSource struct {
	err error
}

func (b balanceSource) GetAccountBalance(context.Context) (*broker.BalanceResponse, error) {
	if b.err != nil {
		return nil, b.err
	}
	resp := &broker.BalanceResponse{}
	resp.Balances.AccountType = "margin"
	resp.Balances.TotalEquity = 10000
	resp.Balances.Margin = &struct {
		OptionBuyingPower float64 `json:"option_buying_power"`
	}{OptionBuyingPower: 2500}
	return resp, nil
}

type snapshotRecorder struct {
	got []any
}

func (s *snapshotRecorder) Snapshot(v any) { s.got = append(s.got, v) }

func TestCollector_Collect(t *testing.T) {
	cache := newTestCache(newFakeSource(), nil)
	pub := &snapshotRecorder{}
	c := NewCollector(&staticSymbols{symbols: []string{"AAPL", "MSFT"}}, cache, emptyLedger{}, balanceSource{}, pub, nil)

	snap, err := c.Collect(context.Background())
	require.NoError(t, err)

	require.Len(t, snap.Indices, 1)
	assert.Len(t, snap.Watchlist, 2)
	assert.Equal(t, "AAPL", snap.Watchlist[0].Symbol)
	require.NotNil(t, snap.Account)
	assert.True(t, snap.Account.OptionBuyingPower.Equal(dec("2500")))
	require.Len(t, pub.got, 1)
	assert.Same(t, snap, pub.got[0])
}

func TestCollector_ReusesSymbolsWhenSourceFails(t *testing.T) {
	cache := newTestCache(newFakeSource(), nil)
	src := &staticSymbols{symbols: []string{"AAPL"}}
	c := NewCollector(src, cache, emptyLedger{}, balanceSource{err: errors.New("down")}, nil, nil)

	_, err := c.Collect(context.Background())
	require.NoError(t, err)

	src.symbols, src.err = nil, errors.New("sheet unavailable")
	snap, err := c.Collect(context.Background())
	require.NoError(t, err)
	require.Len(t, snap.Watchlist, 1)
	assert.Equal(t, "AAPL", snap.Watchlist[0].Symbol)
	assert.Nil(t, snap.Account, "account errors leave the field empty")
}

func TestCollector_QuoteFailure(t *testing.T) {
	src := newFakeSource()
	src.quotesErr = errors.New("quotes down")
	c := NewCollector(&staticSymbols{symbols: []string{"AAPL"}}, newTestCache(src, nil), emptyLedger{}, nil, nil, nil)

	_, err := c.Collect(context.Background())
	assert.ErrorIs(t, err, src.quotesErr)
}
