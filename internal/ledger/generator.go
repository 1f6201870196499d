package ledger

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

// journalNamespace seeds deterministic journal and batch ids so a replay
// regenerates identical journals.
var journalNamespace = uuid.MustParse("6f1c8a52-4d0b-4c33-9a61-0c7e2b8f5d10")

// JournalGenerator creates balanced journal batches for pool operations
type JournalGenerator struct {
	poolID uint64
}

func NewJournalGenerator(poolID uint64) *JournalGenerator {
	return &JournalGenerator{poolID: poolID}
}

// NewBatch opens an empty batch for one event.
func (jg *JournalGenerator) NewBatch(eventRef string, sequence int64, timestamp uint64) *Batch {
	return &Batch{
		BatchID:   uuid.NewSHA1(journalNamespace, []byte(fmt.Sprintf("batch:%s", eventRef))),
		EventRef:  eventRef,
		Sequence:  sequence,
		Timestamp: timestamp,
	}
}

func (jg *JournalGenerator) append(batch *Batch, debit, credit AccountKey, amount uint256.Int, jt JournalType) {
	if amount.IsZero() {
		return
	}
	batch.Journals = append(batch.Journals, Journal{
		JournalID:     uuid.NewSHA1(journalNamespace, []byte(fmt.Sprintf("journal:%s:%d", batch.EventRef, len(batch.Journals)))),
		BatchID:       batch.BatchID,
		EventRef:      batch.EventRef,
		Sequence:      batch.Sequence,
		DebitAccount:  debit,
		CreditAccount: credit,
		Amount:        amount,
		JournalType:   jt,
		Timestamp:     batch.Timestamp,
	})
}

// Funding moves collateral from outside the book into a member wallet.
// external:funding → member:wallet
func (jg *JournalGenerator) Funding(batch *Batch, member uuid.UUID, amount uint256.Int) {
	jg.append(batch, NewMemberAccountKey(member), NewExternalAccountKey(SubTypeExternalFunding), amount, JournalTypeFunding)
}

// StakeDeposit locks a depositor's collateral in the pool.
// member:wallet → pool:stake_vault
func (jg *JournalGenerator) StakeDeposit(batch *Batch, member uuid.UUID, amount uint256.Int) {
	jg.append(batch, NewPoolAccountKey(jg.poolID, SubTypeStakeVault), NewMemberAccountKey(member), amount, JournalTypeStakeDeposit)
}

// StakeWithdrawal returns expired stake.
// pool:stake_vault → member:wallet
func (jg *JournalGenerator) StakeWithdrawal(batch *Batch, member uuid.UUID, amount uint256.Int) {
	jg.append(batch, NewMemberAccountKey(member), NewPoolAccountKey(jg.poolID, SubTypeStakeVault), amount, JournalTypeStakeWithdrawal)
}

// RewardWithdrawal pays out accrued rewards.
// pool:reward_vault → member:wallet
func (jg *JournalGenerator) RewardWithdrawal(batch *Batch, member uuid.UUID, amount uint256.Int) {
	jg.append(batch, NewMemberAccountKey(member), NewPoolAccountKey(jg.poolID, SubTypeRewardVault), amount, JournalTypeRewardWithdrawal)
}

// RewardMint mints the reward stream of a new allocation.
// external:mint → pool:reward_vault
func (jg *JournalGenerator) RewardMint(batch *Batch, amount uint256.Int) {
	jg.append(batch, NewPoolAccountKey(jg.poolID, SubTypeRewardVault), NewExternalAccountKey(SubTypeExternalMint), amount, JournalTypeRewardMint)
}

// RewardBurn burns rewards that will no longer be streamed.
// pool:reward_vault → external:burn
func (jg *JournalGenerator) RewardBurn(batch *Batch, amount uint256.Int) {
	jg.append(batch, NewExternalAccountKey(SubTypeExternalBurn), NewPoolAccountKey(jg.poolID, SubTypeRewardVault), amount, JournalTypeRewardBurn)
}

// StakeBurn burns stake to pay a claim.
// pool:stake_vault → external:burn
func (jg *JournalGenerator) StakeBurn(batch *Batch, amount uint256.Int) {
	jg.append(batch, NewExternalAccountKey(SubTypeExternalBurn), NewPoolAccountKey(jg.poolID, SubTypeStakeVault), amount, JournalTypeStakeBurn)
}
