package ledger_test

import (
	"context"
	"errors"
	"testing"

	"PoolLedger/internal/ledger"
	fpmath "PoolLedger/internal/math"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testPoolID = 7

func amount(v uint64) uint256.Int { return fpmath.U64(v) }

// ============================================================================
// Test: AccountKey
// ============================================================================

func TestAccountKey_MemberPath(t *testing.T) {
	memberID := uuid.MustParse("550e8400-e29b-41d4-a716-446655440000")
	key := ledger.NewMemberAccountKey(memberID)

	assert.Equal(t, "member:550e8400-e29b-41d4-a716-446655440000:wallet", key.AccountPath())
}

func TestAccountKey_PoolPath(t *testing.T) {
	assert.Equal(t, "pool:7:stake_vault", ledger.NewPoolAccountKey(testPoolID, ledger.SubTypeStakeVault).AccountPath())
	assert.Equal(t, "pool:7:reward_vault", ledger.NewPoolAccountKey(testPoolID, ledger.SubTypeRewardVault).AccountPath())
}

func TestAccountKey_ExternalPath(t *testing.T) {
	key := ledger.NewExternalAccountKey(ledger.SubTypeExternalMint)

	assert.Equal(t, "external:mint", key.AccountPath())
	assert.True(t, key.IsExternal())
}

// ============================================================================
// Test: BalanceTracker
// ============================================================================

func TestBalanceTracker_InitialBalanceZero(t *testing.T) {
	bt := ledger.NewBalanceTracker()

	balance := bt.GetBalance(ledger.NewMemberAccountKey(uuid.New()))
	assert.True(t, balance.IsZero())
}

func TestBalanceTracker_ApplyBatch(t *testing.T) {
	bt := ledger.NewBalanceTracker()
	gen := ledger.NewJournalGenerator(testPoolID)
	member := uuid.New()

	batch := gen.NewBatch("fund-1", 1, 100)
	gen.Funding(batch, member, amount(500))
	gen.StakeDeposit(batch, member, amount(200))

	require.NoError(t, bt.ApplyBatch(batch))

	wallet := bt.GetBalance(ledger.NewMemberAccountKey(member))
	vault := bt.GetBalance(ledger.NewPoolAccountKey(testPoolID, ledger.SubTypeStakeVault))
	assert.Equal(t, uint64(300), wallet.Uint64())
	assert.Equal(t, uint64(200), vault.Uint64())
}

func TestBalanceTracker_InsufficientBalanceLeavesStateUntouched(t *testing.T) {
	bt := ledger.NewBalanceTracker()
	gen := ledger.NewJournalGenerator(testPoolID)
	member := uuid.New()

	fund := gen.NewBatch("fund-1", 1, 100)
	gen.Funding(fund, member, amount(100))
	require.NoError(t, bt.ApplyBatch(fund))

	// First leg succeeds on its own, second overdraws: neither may apply.
	batch := gen.NewBatch("deposit-1", 2, 100)
	gen.StakeDeposit(batch, member, amount(60))
	gen.StakeDeposit(batch, member, amount(60))

	err := bt.ApplyBatch(batch)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ledger.ErrInsufficientBalance))

	wallet := bt.GetBalance(ledger.NewMemberAccountKey(member))
	assert.Equal(t, uint64(100), wallet.Uint64())
}

func TestBalanceTracker_GlobalBalanceConserved(t *testing.T) {
	bt := ledger.NewBalanceTracker()
	gen := ledger.NewJournalGenerator(testPoolID)
	v := ledger.NewInvariantValidator(bt)
	member := uuid.New()

	batch := gen.NewBatch("ops", 1, 100)
	gen.Funding(batch, member, amount(1_000))
	gen.StakeDeposit(batch, member, amount(700))
	gen.RewardMint(batch, amount(50))
	gen.RewardWithdrawal(batch, member, amount(20))
	gen.RewardBurn(batch, amount(30))
	gen.StakeBurn(batch, amount(100))
	require.NoError(t, bt.ApplyBatch(batch))

	require.NoError(t, v.ValidateGlobalBalance())

	internal, inflows, outflows := bt.ComputeGlobalBalance()
	assert.Equal(t, uint64(920), internal.Uint64())
	assert.Equal(t, uint64(1_050), inflows.Uint64())
	assert.Equal(t, uint64(130), outflows.Uint64())
}

func TestBalanceTracker_SnapshotRestore(t *testing.T) {
	bt := ledger.NewBalanceTracker()
	gen := ledger.NewJournalGenerator(testPoolID)
	member := uuid.New()

	batch := gen.NewBatch("fund", 1, 100)
	gen.Funding(batch, member, amount(42))
	require.NoError(t, bt.ApplyBatch(batch))

	restored := ledger.NewBalanceTracker()
	restored.Restore(bt.Snapshot())

	got := restored.GetBalance(ledger.NewMemberAccountKey(member))
	assert.Equal(t, uint64(42), got.Uint64())
	assert.Equal(t, bt.Snapshot(), restored.Snapshot())
}

// ============================================================================
// Test: Batch.Validate
// ============================================================================

func TestBatchValidate_EmptyBatch_Fails(t *testing.T) {
	batch := &ledger.Batch{BatchID: uuid.New()}
	assert.Error(t, batch.Validate())
}

func TestBatchValidate_ZeroAmount_Fails(t *testing.T) {
	batchID := uuid.New()
	batch := &ledger.Batch{
		BatchID: batchID,
		Journals: []ledger.Journal{{
			JournalID:     uuid.New(),
			BatchID:       batchID,
			DebitAccount:  ledger.NewMemberAccountKey(uuid.New()),
			CreditAccount: ledger.NewExternalAccountKey(ledger.SubTypeExternalFunding),
		}},
	}
	assert.Error(t, batch.Validate())
}

func TestBatchValidate_SelfTransfer_Fails(t *testing.T) {
	batchID := uuid.New()
	key := ledger.NewMemberAccountKey(uuid.New())
	batch := &ledger.Batch{
		BatchID: batchID,
		Journals: []ledger.Journal{{
			JournalID:     uuid.New(),
			BatchID:       batchID,
			DebitAccount:  key,
			CreditAccount: key,
			Amount:        amount(1),
		}},
	}
	assert.Error(t, batch.Validate())
}

func TestBatchValidate_ExternalToExternal_Fails(t *testing.T) {
	batchID := uuid.New()
	batch := &ledger.Batch{
		BatchID: batchID,
		Journals: []ledger.Journal{{
			JournalID:     uuid.New(),
			BatchID:       batchID,
			DebitAccount:  ledger.NewExternalAccountKey(ledger.SubTypeExternalBurn),
			CreditAccount: ledger.NewExternalAccountKey(ledger.SubTypeExternalMint),
			Amount:        amount(1),
		}},
	}
	assert.Error(t, batch.Validate())
}

func TestBatchValidate_MismatchedBatchID_Fails(t *testing.T) {
	batch := &ledger.Batch{
		BatchID: uuid.New(),
		Journals: []ledger.Journal{{
			JournalID:     uuid.New(),
			BatchID:       uuid.New(),
			DebitAccount:  ledger.NewMemberAccountKey(uuid.New()),
			CreditAccount: ledger.NewExternalAccountKey(ledger.SubTypeExternalFunding),
			Amount:        amount(1),
		}},
	}
	assert.Error(t, batch.Validate())
}

// ============================================================================
// Test: JournalGenerator
// ============================================================================

func TestJournalGenerator_DeterministicIDs(t *testing.T) {
	member := uuid.New()
	build := func() *ledger.Batch {
		gen := ledger.NewJournalGenerator(testPoolID)
		b := gen.NewBatch("deposit-9", 9, 100)
		gen.StakeDeposit(b, member, amount(5))
		gen.RewardMint(b, amount(0)) // skipped
		return b
	}

	a, b := build(), build()
	require.Len(t, a.Journals, 1)
	assert.Equal(t, a.BatchID, b.BatchID)
	assert.Equal(t, a.Journals[0].JournalID, b.Journals[0].JournalID)
}

// ============================================================================
// Test: Book
// ============================================================================

func TestBook_SettleIsAtomic(t *testing.T) {
	book := ledger.NewBook()
	gen := ledger.NewJournalGenerator(testPoolID)
	member := uuid.New()
	ctx := context.Background()

	fund := gen.NewBatch("fund", 1, 100)
	gen.Funding(fund, member, amount(10))
	require.NoError(t, book.Settle(ctx, fund))

	bad := gen.NewBatch("deposit", 2, 100)
	gen.StakeDeposit(bad, member, amount(5))
	gen.StakeWithdrawal(bad, member, amount(50))
	require.Error(t, book.Settle(ctx, bad))

	wallet := book.Balance(ledger.NewMemberAccountKey(member))
	vault := book.Balance(ledger.NewPoolAccountKey(testPoolID, ledger.SubTypeStakeVault))
	assert.Equal(t, uint64(10), wallet.Uint64())
	assert.True(t, vault.IsZero())
}

func TestBook_EmptyBatchIsNoop(t *testing.T) {
	book := ledger.NewBook()
	gen := ledger.NewJournalGenerator(testPoolID)

	assert.NoError(t, book.Settle(context.Background(), gen.NewBatch("noop", 1, 1)))
	assert.NoError(t, book.Settle(context.Background(), nil))
}

func TestBook_ValidateVaultCovers(t *testing.T) {
	book := ledger.NewBook()
	gen := ledger.NewJournalGenerator(testPoolID)
	member := uuid.New()

	b := gen.NewBatch("fund", 1, 100)
	gen.Funding(b, member, amount(10))
	gen.StakeDeposit(b, member, amount(10))
	require.NoError(t, book.Settle(context.Background(), b))

	assert.NoError(t, book.ValidateVaultCovers(testPoolID, ledger.SubTypeStakeVault, amount(10)))
	assert.Error(t, book.ValidateVaultCovers(testPoolID, ledger.SubTypeStakeVault, amount(11)))
}
