package config

import (
	"bytes"
	"fmt"
	"os"

	"PoolLedger/internal/core"
	fpmath "PoolLedger/internal/math"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
	"gopkg.in/yaml.v3"
)

// genesisFile mirrors the genesis YAML. Amounts and prices are base-10
// strings of the smallest unit so they survive YAML's float handling.
type genesisFile struct {
	PoolID              uint64           `yaml:"pool_id"`
	Manager             string           `yaml:"manager"`
	CoverModule         string           `yaml:"cover_module"`
	IsPrivate           bool             `yaml:"is_private"`
	PoolFeeRatio        uint64           `yaml:"pool_fee_ratio"`
	Time                uint64           `yaml:"time"`
	GlobalCapacityRatio uint64           `yaml:"global_capacity_ratio"`
	GlobalMinPrice      string           `yaml:"global_min_price"`
	Products            []genesisProduct `yaml:"products"`
}

type genesisProduct struct {
	ProductID              uint64 `yaml:"product_id"`
	TargetWeight           uint64 `yaml:"target_weight"`
	TargetPrice            string `yaml:"target_price"`
	CapacityReductionRatio uint64 `yaml:"capacity_reduction_ratio"`
	MinPrice               string `yaml:"min_price"`
	UseFixedPrice          bool   `yaml:"use_fixed_price"`
}

// LoadGenesis reads and decodes the pool genesis file.
func LoadGenesis(path string) (core.Genesis, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return core.Genesis{}, fmt.Errorf("read genesis: %w", err)
	}
	return ParseGenesis(data)
}

// ParseGenesis decodes genesis YAML. Unknown keys are rejected.
func ParseGenesis(data []byte) (core.Genesis, error) {
	var f genesisFile
	if err := decodeStrict(data, &f); err != nil {
		return core.Genesis{}, fmt.Errorf("parse genesis: %w", err)
	}

	var g core.Genesis
	var err error
	g.PoolID = f.PoolID
	g.IsPrivate = f.IsPrivate
	g.PoolFeeRatio = f.PoolFeeRatio
	g.Time = f.Time
	g.GlobalCapacityRatio = f.GlobalCapacityRatio

	if g.Manager, err = uuid.Parse(f.Manager); err != nil {
		return core.Genesis{}, fmt.Errorf("genesis manager: %w", err)
	}
	if g.CoverModule, err = uuid.Parse(f.CoverModule); err != nil {
		return core.Genesis{}, fmt.Errorf("genesis cover_module: %w", err)
	}
	if g.GlobalMinPrice, err = optionalDecimal(f.GlobalMinPrice); err != nil {
		return core.Genesis{}, fmt.Errorf("genesis global_min_price: %w", err)
	}

	for _, p := range f.Products {
		gp := core.GenesisProduct{
			ProductID:              p.ProductID,
			TargetWeight:           p.TargetWeight,
			CapacityReductionRatio: p.CapacityReductionRatio,
			UseFixedPrice:          p.UseFixedPrice,
		}
		if gp.TargetPrice, err = optionalDecimal(p.TargetPrice); err != nil {
			return core.Genesis{}, fmt.Errorf("genesis product %d target_price: %w", p.ProductID, err)
		}
		if gp.MinPrice, err = optionalDecimal(p.MinPrice); err != nil {
			return core.Genesis{}, fmt.Errorf("genesis product %d min_price: %w", p.ProductID, err)
		}
		g.Products = append(g.Products, gp)
	}
	return g, nil
}

func optionalDecimal(s string) (uint256.Int, error) {
	if s == "" {
		return uint256.Int{}, nil
	}
	return fpmath.ParseDecimal(s)
}

func decodeStrict(data []byte, out any) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	return dec.Decode(out)
}
