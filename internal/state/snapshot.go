package state

import (
	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

// Snapshot is the serializable form of a Store. Rows are sorted by key so two
// stores with equal contents export identical snapshots.
type Snapshot struct {
	Pool            Pool                `json:"pool"`
	Tranches        []TrancheRow        `json:"tranches"`
	ExpiredTranches []ExpiredTrancheRow `json:"expired_tranches"`
	Positions       []PositionRow       `json:"positions"`
	Owners          []OwnerRow          `json:"owners"`
	Products        []ProductRow        `json:"products"`
	ProductConfigs  []ProductConfig     `json:"product_configs"`
	Allocations     []AllocationRow     `json:"allocations"`
	Groups          []GroupRow          `json:"groups"`
	Expiring        []ExpiringRow       `json:"expiring"`
	ExpiryIndex     []ExpiryIndexRow    `json:"expiry_index"`
	RewardCuts      []RewardCutRow      `json:"reward_cuts"`
}

type TrancheRow struct {
	TrancheID uint64  `json:"tranche_id"`
	Tranche   Tranche `json:"tranche"`
}

type ExpiredTrancheRow struct {
	TrancheID uint64         `json:"tranche_id"`
	Expired   ExpiredTranche `json:"expired"`
}

type PositionRow struct {
	Key      PositionKey `json:"key"`
	Position Position    `json:"position"`
}

type OwnerRow struct {
	PositionID uint64    `json:"position_id"`
	Owner      uuid.UUID `json:"owner"`
}

type ProductRow struct {
	ProductID uint64  `json:"product_id"`
	Product   Product `json:"product"`
}

type AllocationRow struct {
	AllocationID uint64     `json:"allocation_id"`
	Allocation   Allocation `json:"allocation"`
}

type GroupRow struct {
	Key   GroupKey     `json:"key"`
	Units TrancheUnits `json:"units"`
}

type ExpiringRow struct {
	Key   ExpiryKey    `json:"key"`
	Units TrancheUnits `json:"units"`
}

type ExpiryIndexRow struct {
	BucketID uint64     `json:"bucket_id"`
	Refs     []GroupRef `json:"refs"`
}

type RewardCutRow struct {
	BucketID        uint64      `json:"bucket_id"`
	RewardPerSecond uint256.Int `json:"reward_per_second"`
}

// Export captures the committed state.
func (s *Store) Export() *Snapshot {
	snap := &Snapshot{Pool: s.Pool}
	for _, k := range s.Tranches.Keys(CompareUint64) {
		v, _ := s.Tranches.Get(k)
		snap.Tranches = append(snap.Tranches, TrancheRow{TrancheID: k, Tranche: v})
	}
	for _, k := range s.ExpiredTranches.Keys(CompareUint64) {
		v, _ := s.ExpiredTranches.Get(k)
		snap.ExpiredTranches = append(snap.ExpiredTranches, ExpiredTrancheRow{TrancheID: k, Expired: v})
	}
	for _, k := range s.Positions.Keys(ComparePositionKey) {
		v, _ := s.Positions.Get(k)
		snap.Positions = append(snap.Positions, PositionRow{Key: k, Position: v})
	}
	for _, k := range s.Owners.Keys(CompareUint64) {
		v, _ := s.Owners.Get(k)
		snap.Owners = append(snap.Owners, OwnerRow{PositionID: k, Owner: v})
	}
	for _, k := range s.Products.Keys(CompareUint64) {
		v, _ := s.Products.Get(k)
		snap.Products = append(snap.Products, ProductRow{ProductID: k, Product: v})
	}
	for _, k := range s.ProductConfigs.Keys(CompareUint64) {
		v, _ := s.ProductConfigs.Get(k)
		snap.ProductConfigs = append(snap.ProductConfigs, v)
	}
	for _, k := range s.Allocations.Keys(CompareUint64) {
		v, _ := s.Allocations.Get(k)
		snap.Allocations = append(snap.Allocations, AllocationRow{AllocationID: k, Allocation: v})
	}
	for _, k := range s.Groups.Keys(CompareGroupKey) {
		v, _ := s.Groups.Get(k)
		snap.Groups = append(snap.Groups, GroupRow{Key: k, Units: v})
	}
	for _, k := range s.Expiring.Keys(CompareExpiryKey) {
		v, _ := s.Expiring.Get(k)
		snap.Expiring = append(snap.Expiring, ExpiringRow{Key: k, Units: v})
	}
	for _, k := range s.ExpiryIndex.Keys(CompareUint64) {
		v, _ := s.ExpiryIndex.Get(k)
		snap.ExpiryIndex = append(snap.ExpiryIndex, ExpiryIndexRow{BucketID: k, Refs: append([]GroupRef(nil), v...)})
	}
	for _, k := range s.RewardCuts.Keys(CompareUint64) {
		v, _ := s.RewardCuts.Get(k)
		snap.RewardCuts = append(snap.RewardCuts, RewardCutRow{BucketID: k, RewardPerSecond: v})
	}
	return snap
}

// Restore replaces the store contents with snap. It must not be called
// inside a transaction.
func (s *Store) Restore(snap *Snapshot) {
	if s.log.active {
		panic("FATAL: restore inside an open transaction")
	}
	s.Pool = snap.Pool
	s.Tranches.reset()
	s.ExpiredTranches.reset()
	s.Positions.reset()
	s.Owners.reset()
	s.Products.reset()
	s.ProductConfigs.reset()
	s.Allocations.reset()
	s.Groups.reset()
	s.Expiring.reset()
	s.ExpiryIndex.reset()
	s.RewardCuts.reset()

	for _, r := range snap.Tranches {
		s.Tranches.load(r.TrancheID, r.Tranche)
	}
	for _, r := range snap.ExpiredTranches {
		s.ExpiredTranches.load(r.TrancheID, r.Expired)
	}
	for _, r := range snap.Positions {
		s.Positions.load(r.Key, r.Position)
	}
	for _, r := range snap.Owners {
		s.Owners.load(r.PositionID, r.Owner)
	}
	for _, r := range snap.Products {
		s.Products.load(r.ProductID, r.Product)
	}
	for _, pc := range snap.ProductConfigs {
		s.ProductConfigs.load(pc.ProductID, pc)
	}
	for _, r := range snap.Allocations {
		s.Allocations.load(r.AllocationID, r.Allocation)
	}
	for _, r := range snap.Groups {
		s.Groups.load(r.Key, r.Units)
	}
	for _, r := range snap.Expiring {
		s.Expiring.load(r.Key, r.Units)
	}
	for _, r := range snap.ExpiryIndex {
		s.ExpiryIndex.load(r.BucketID, append([]GroupRef(nil), r.Refs...))
	}
	for _, r := range snap.RewardCuts {
		s.RewardCuts.load(r.BucketID, r.RewardPerSecond)
	}
}
