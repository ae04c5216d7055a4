package accounts

import (
	"context"
	"testing"
	"time"

	"github.com/doitsu2014/crypto-pocket-butler/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReplaceHoldingsOptimisticConcurrency(t *testing.T) {
	f := setup(t)
	defer f.cleanup()
	ctx := context.Background()

	account := f.createExchangeAccount(t)
	holdings := []domain.Holding{{AssetRef: "BTC", Symbol: "BTC", Quantity: "1"}}

	require.NoError(t, f.repo.ReplaceHoldings(ctx, account.ID, account.UpdatedAt, holdings, time.Now()))

	// A second writer still holding the old updated_at loses.
	err := f.repo.ReplaceHoldings(ctx, account.ID, account.UpdatedAt, holdings, time.Now().Add(time.Second))
	assert.True(t, domain.IsKind(err, domain.KindResourceExhausted))

	// Reloading picks up the new version and the write goes through.
	fresh, err := f.repo.GetOwned(ctx, f.userID, account.ID)
	require.NoError(t, err)
	require.NoError(t, f.repo.ReplaceHoldings(ctx, fresh.ID, fresh.UpdatedAt, holdings, time.Now().Add(2*time.Second)))
}

func TestAccountValidation(t *testing.T) {
	f := setup(t)
	defer f.cleanup()
	ctx := context.Background()

	_, err := f.repo.Create(ctx, f.userID, CreateSpec{
		Name: "no address", Kind: domain.AccountKindWallet,
	})
	assert.True(t, domain.IsKind(err, domain.KindValidation))

	_, err = f.repo.Create(ctx, f.userID, CreateSpec{
		Name: "no vendor", Kind: domain.AccountKindExchange,
	})
	assert.True(t, domain.IsKind(err, domain.KindValidation))

	_, err = f.repo.Create(ctx, f.userID, CreateSpec{
		Name: "bad kind", Kind: domain.AccountKind("margin"),
	})
	assert.True(t, domain.IsKind(err, domain.KindValidation))
}

func TestAccountListScopedToUser(t *testing.T) {
	f := setup(t)
	defer f.cleanup()
	ctx := context.Background()

	f.createExchangeAccount(t)
	other, err := f.users.GetOrCreateByExternalID(ctx, "subject-2")
	require.NoError(t, err)

	mine, err := f.repo.ListByUser(ctx, f.userID)
	require.NoError(t, err)
	assert.Len(t, mine, 1)

	theirs, err := f.repo.ListByUser(ctx, other.ID)
	require.NoError(t, err)
	assert.Empty(t, theirs)

	// Holdings round-trip through the JSON column intact.
	account := mine[0]
	d := uint8(6)
	require.NoError(t, f.repo.ReplaceHoldings(ctx, account.ID, account.UpdatedAt, []domain.Holding{
		{AssetRef: "a-1", Resolved: true, Symbol: "USDC-ethereum", Quantity: "706.00", Available: "706.00", Frozen: "0", Decimals: &d},
	}, time.Now()))

	reloaded, err := f.repo.GetOwned(ctx, f.userID, account.ID)
	require.NoError(t, err)
	require.Len(t, reloaded.Holdings, 1)
	h := reloaded.Holdings[0]
	assert.Equal(t, "706.00", h.Quantity)
	require.NotNil(t, h.Decimals)
	assert.Equal(t, uint8(6), *h.Decimals)
	qty, err := h.QuantityDecimal()
	require.NoError(t, err)
	assert.False(t, qty.IsNegative())
}
