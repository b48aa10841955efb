package unwind

import (
	"math/big"

	"creditvault/internal/errs"
	"creditvault/internal/wad"
)

var ErrInvalidConfig = errs.New(errs.KindInput, "unwind: invalid configuration")

// Config times the phases in seconds from the unwinder's creation.
type Config struct {
	// Grace is how long a vault must be frozen before it can be unwound.
	Grace           int64
	AuctionStart    int64
	AuctionEnd      int64
	AuctionDuration int64
	// AuctionDebtFloor is the least debt a partial purchase may leave.
	AuctionDebtFloor *big.Int
	// AuctionMultiplier scales the starting price above the reference.
	AuctionMultiplier *big.Int
}

func DefaultConfig() Config {
	const day = 24 * 60 * 60
	return Config{
		Grace:             3 * day,
		AuctionStart:      7 * day,
		AuctionEnd:        14 * day,
		AuctionDuration:   day,
		AuctionDebtFloor:  wad.FromInt(100),
		AuctionMultiplier: wad.MustParse("1.2"),
	}
}

func (c Config) Validate() error {
	if c.Grace < 0 || c.AuctionStart <= 0 || c.AuctionEnd <= c.AuctionStart || c.AuctionDuration <= 0 {
		return ErrInvalidConfig
	}
	if c.AuctionDebtFloor == nil || c.AuctionDebtFloor.Sign() < 0 {
		return ErrInvalidConfig
	}
	if c.AuctionMultiplier == nil || c.AuctionMultiplier.Sign() <= 0 {
		return ErrInvalidConfig
	}
	return nil
}
