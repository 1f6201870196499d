package state

import (
	"cmp"
	"slices"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

// undoLog records the inverse of every table write made inside a transaction.
// Not thread-safe; only the deterministic core touches the store.
type undoLog struct {
	active  bool
	entries []func()
}

func (l *undoLog) record(undo func()) {
	if l.active {
		l.entries = append(l.entries, undo)
	}
}

// Table is a keyed set of value rows. Values are copied in and out, so a
// caller can never mutate a row behind the undo log. Slice-typed values must
// be replaced, not edited in place.
type Table[K comparable, V any] struct {
	rows map[K]V
	log  *undoLog
}

func newTable[K comparable, V any](log *undoLog) *Table[K, V] {
	return &Table[K, V]{rows: make(map[K]V), log: log}
}

func (t *Table[K, V]) Get(k K) (V, bool) {
	v, ok := t.rows[k]
	return v, ok
}

func (t *Table[K, V]) Put(k K, v V) {
	prev, existed := t.rows[k]
	t.log.record(func() {
		if existed {
			t.rows[k] = prev
		} else {
			delete(t.rows, k)
		}
	})
	t.rows[k] = v
}

func (t *Table[K, V]) Delete(k K) {
	prev, existed := t.rows[k]
	if !existed {
		return
	}
	t.log.record(func() { t.rows[k] = prev })
	delete(t.rows, k)
}

func (t *Table[K, V]) Len() int { return len(t.rows) }

// Keys returns every key ordered by compare.
func (t *Table[K, V]) Keys(compare func(a, b K) int) []K {
	keys := make([]K, 0, len(t.rows))
	for k := range t.rows {
		keys = append(keys, k)
	}
	slices.SortFunc(keys, compare)
	return keys
}

// load writes a row without journaling (snapshot restore).
func (t *Table[K, V]) load(k K, v V) { t.rows[k] = v }

func (t *Table[K, V]) reset() { t.rows = make(map[K]V) }

// Store owns the whole pool ledger state. All writes between Begin and
// Commit are undone by Rollback.
type Store struct {
	Pool Pool

	Tranches        *Table[uint64, Tranche]
	ExpiredTranches *Table[uint64, ExpiredTranche]
	Positions       *Table[PositionKey, Position]
	Owners          *Table[uint64, uuid.UUID] // position id -> owner, stands in for the position NFT
	Products        *Table[uint64, Product]
	ProductConfigs  *Table[uint64, ProductConfig]
	Allocations     *Table[uint64, Allocation]
	Groups          *Table[GroupKey, TrancheUnits]
	Expiring        *Table[ExpiryKey, TrancheUnits]
	ExpiryIndex     *Table[uint64, []GroupRef]  // bucket id -> product groups with units expiring in it
	RewardCuts      *Table[uint64, uint256.Int] // bucket id -> reward per second ending with it

	log      *undoLog
	poolSave Pool
}

func NewStore(pool Pool) *Store {
	log := &undoLog{}
	return &Store{
		Pool:            pool,
		Tranches:        newTable[uint64, Tranche](log),
		ExpiredTranches: newTable[uint64, ExpiredTranche](log),
		Positions:       newTable[PositionKey, Position](log),
		Owners:          newTable[uint64, uuid.UUID](log),
		Products:        newTable[uint64, Product](log),
		ProductConfigs:  newTable[uint64, ProductConfig](log),
		Allocations:     newTable[uint64, Allocation](log),
		Groups:          newTable[GroupKey, TrancheUnits](log),
		Expiring:        newTable[ExpiryKey, TrancheUnits](log),
		ExpiryIndex:     newTable[uint64, []GroupRef](log),
		RewardCuts:      newTable[uint64, uint256.Int](log),
		log:             log,
	}
}

// Begin opens a transaction. Transactions do not nest.
func (s *Store) Begin() {
	if s.log.active {
		panic("FATAL: store transaction already open")
	}
	s.log.active = true
	s.log.entries = s.log.entries[:0]
	s.poolSave = s.Pool
}

func (s *Store) Commit() {
	s.log.active = false
	s.log.entries = s.log.entries[:0]
}

// Rollback undoes every write since Begin.
func (s *Store) Rollback() {
	for i := len(s.log.entries) - 1; i >= 0; i-- {
		s.log.entries[i]()
	}
	s.Pool = s.poolSave
	s.log.active = false
	s.log.entries = s.log.entries[:0]
}

func (s *Store) InTransaction() bool { return s.log.active }

// IndexExpiry registers ref under bucketID, keeping the list sorted.
func (s *Store) IndexExpiry(bucketID uint64, ref GroupRef) {
	refs, _ := s.ExpiryIndex.Get(bucketID)
	i, found := slices.BinarySearchFunc(refs, ref, CompareGroupRef)
	if found {
		return
	}
	next := make([]GroupRef, 0, len(refs)+1)
	next = append(next, refs[:i]...)
	next = append(next, ref)
	next = append(next, refs[i:]...)
	s.ExpiryIndex.Put(bucketID, next)
}

// ProductConfig returns the registry config of a product, falling back to no
// capacity reduction and the pool's global minimum price.
func (s *Store) ProductConfig(productID uint64) ProductConfig {
	if pc, ok := s.ProductConfigs.Get(productID); ok {
		return pc
	}
	return ProductConfig{ProductID: productID, MinPrice: s.Pool.GlobalMinPrice}
}

// Owner returns the owner of a position id.
func (s *Store) Owner(positionID uint64) (uuid.UUID, bool) {
	if positionID == ManagerFeePositionID {
		return s.Pool.Manager, true
	}
	return s.Owners.Get(positionID)
}

func CompareGroupRef(a, b GroupRef) int {
	if a.less(b) {
		return -1
	}
	if b.less(a) {
		return 1
	}
	return 0
}

func CompareUint64(a, b uint64) int { return cmp.Compare(a, b) }

func ComparePositionKey(a, b PositionKey) int {
	if c := cmp.Compare(a.PositionID, b.PositionID); c != 0 {
		return c
	}
	return cmp.Compare(a.TrancheID, b.TrancheID)
}

func CompareGroupKey(a, b GroupKey) int {
	if c := cmp.Compare(a.ProductID, b.ProductID); c != 0 {
		return c
	}
	return cmp.Compare(a.GroupID, b.GroupID)
}

func CompareExpiryKey(a, b ExpiryKey) int {
	if c := cmp.Compare(a.ProductID, b.ProductID); c != 0 {
		return c
	}
	if c := cmp.Compare(a.BucketID, b.BucketID); c != 0 {
		return c
	}
	return cmp.Compare(a.GroupID, b.GroupID)
}
