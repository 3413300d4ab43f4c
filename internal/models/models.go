package models

import (
	"time"

	"github.com/google/uuid"
)

// AssetType is a reference row: bond, currency, etf, future, option, share.
// Created once at deploy time and never mutated afterwards.
type AssetType struct {
	ID   int32
	Name string
}

// Instrument is one tradable asset. UID is the metadata service's UUID and
// uniquely identifies the instrument across time; ID is the database
// surrogate key and is stable once assigned.
type Instrument struct {
	ID                    int64
	UID                   uuid.UUID
	FIGI                  *string
	Name                  string
	AssetTypeID           int32
	Lot                   int32
	OTCFlag               bool
	ForQualInvestorFlag   bool
	APITradeAvailableFlag bool
	First1MinCandleDate   *time.Time
	First1DayCandleDate   *time.Time
}

// Candle is one historical OHLCV datum, keyed by (instrument, timestamp).
type Candle struct {
	InstrumentID int64
	Timestamp    time.Time
	Open         float64
	Close        float64
	High         float64
	Low          float64
	Volume       int64
}

// HistoryEnding pairs an instrument with the most recent candle timestamp
// already stored for it, or with its earliest known candle date when no
// candles are stored yet. The downloader resumes from HistoryEnd's year.
type HistoryEnding struct {
	Instrument Instrument
	HistoryEnd time.Time
}
