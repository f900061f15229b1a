// Package models provides domain models for the ingestion pipeline.
package models

import (
	"strings"
	"time"
	"unicode/utf8"

	"github.com/shopspring/decimal"

	apperrors "moex-ingest/internal/errors"
)

// StockStatus is the MOEX trading status of a security.
type StockStatus string

const (
	StatusOperationsAllowed    StockStatus = "A" // Operations are allowed
	StatusOperationsProhibited StockStatus = "S" // Operations are prohibited
	StatusBlockedForTrading    StockStatus = "N" // Blocked for trading, execution of transactions is allowed
)

// Valid reports whether s is a known status.
func (s StockStatus) Valid() bool {
	switch s {
	case StatusOperationsAllowed, StatusOperationsProhibited, StatusBlockedForTrading:
		return true
	}
	return false
}

// SecType is the MOEX security type code.
type SecType string

const (
	SecTypeOrdinaryShare     SecType = "1"
	SecTypePreferredShare    SecType = "2"
	SecTypeGovernmentBond    SecType = "3"
	SecTypeRegionalBond      SecType = "4"
	SecTypeCentralBankBond   SecType = "5"
	SecTypeCorporateBond     SecType = "6"
	SecTypeMFOBond           SecType = "7"
	SecTypeExchangeBond      SecType = "8"
	SecTypeOpenMIFShare      SecType = "9"
	SecTypeIntervalMIFShare  SecType = "A"
	SecTypeClosedMIFShare    SecType = "B"
	SecTypeMunicipalBond     SecType = "C"
	SecTypeDepositoryReceipt SecType = "D"
	SecTypeETF               SecType = "E"
	SecTypeMortgageCert      SecType = "F"
	SecTypeBasket            SecType = "G"
	SecTypeAdditionalListID  SecType = "H"
	SecTypeETC               SecType = "I"
	SecTypeClearingCert      SecType = "U"
	SecTypeCurrency          SecType = "Q"
	SecTypeExchangeMIFShare  SecType = "J"
)

var secTypeNames = map[SecType]string{
	SecTypeOrdinaryShare:     "The security is ordinary",
	SecTypePreferredShare:    "The security is privileged",
	SecTypeGovernmentBond:    "Government bonds",
	SecTypeRegionalBond:      "Regional bonds",
	SecTypeCentralBankBond:   "Central bank bonds",
	SecTypeCorporateBond:     "Corporate bonds",
	SecTypeMFOBond:           "MFO bonds",
	SecTypeExchangeBond:      "Exchange-traded bonds",
	SecTypeOpenMIFShare:      "Shares of open MIF",
	SecTypeIntervalMIFShare:  "Shares of interval MIF",
	SecTypeClosedMIFShare:    "Shares of closed MIF",
	SecTypeMunicipalBond:     "Municipal bonds",
	SecTypeDepositoryReceipt: "Depository receipts",
	SecTypeETF:               "Securities of exchange investment funds (ETFs)",
	SecTypeMortgageCert:      "Mortgage certificate",
	SecTypeBasket:            "A basket of securities",
	SecTypeAdditionalListID:  "Additional list ID",
	SecTypeETC:               "ETC (commodity instruments)",
	SecTypeClearingCert:      "Clearing certificates of participation",
	SecTypeCurrency:          "Currency",
	SecTypeExchangeMIFShare:  "A share of stock exchange MIF",
}

// Valid reports whether t is a known security type.
func (t SecType) Valid() bool {
	_, ok := secTypeNames[t]
	return ok
}

// Label returns the human readable description of t.
func (t SecType) Label() string {
	return secTypeNames[t]
}

// ListLevel is the listing level of a security.
type ListLevel int

const (
	ListLevelFirst  ListLevel = 1
	ListLevelSecond ListLevel = 2
	ListLevelThird  ListLevel = 3
)

// Valid reports whether l is 1, 2 or 3.
func (l ListLevel) Valid() bool {
	return l >= ListLevelFirst && l <= ListLevelThird
}

// Column length limits of the stocks table.
const (
	MaxTickerLen     = 10
	MaxShortNameLen  = 50
	MaxSecNameLen    = 50
	MaxLatNameLen    = 50
	MaxFaceUnitLen   = 10
	MaxISINLen       = 20
	MaxRegNumberLen  = 50
	MaxCurrencyIDLen = 10
)

// Stock represents a listed financial instrument.
type Stock struct {
	ID                  int64
	Ticker              string
	ShortName           string
	SecName             string
	LatName             *string
	PrevPrice           decimal.Decimal
	LotSize             int64
	FaceValue           decimal.Decimal
	FaceUnit            string
	Status              StockStatus
	Decimals            int
	MinStep             decimal.Decimal
	PrevDate            *time.Time
	IssueSize           int64
	ISIN                string
	RegNumber           *string
	PrevLegalClosePrice decimal.Decimal
	CurrencyID          string
	SecType             SecType
	ListLevel           ListLevel
	SettleDate          time.Time
	Updated             time.Time
}

// NormalizeTicker upper-cases and trims a ticker.
func NormalizeTicker(ticker string) string {
	return strings.ToUpper(strings.TrimSpace(ticker))
}

// ApplyDefaults fills zero-valued enums with the schema defaults.
func (s *Stock) ApplyDefaults() {
	s.Ticker = NormalizeTicker(s.Ticker)
	if s.Status == "" {
		s.Status = StatusOperationsAllowed
	}
	if s.SecType == "" {
		s.SecType = SecTypeOrdinaryShare
	}
	if s.ListLevel == 0 {
		s.ListLevel = ListLevelFirst
	}
}

// String implements fmt.Stringer.
func (s Stock) String() string {
	return s.ShortName + " (" + s.Ticker + ") " + s.PrevPrice.String() + s.CurrencyID
}

// Validate checks the record against the stocks table constraints.
func (s Stock) Validate() error {
	ticker := s.Ticker
	required := []struct {
		field string
		value string
		max   int
	}{
		{"ticker", s.Ticker, MaxTickerLen},
		{"shortname", s.ShortName, MaxShortNameLen},
		{"secname", s.SecName, MaxSecNameLen},
		{"faceunit", s.FaceUnit, MaxFaceUnitLen},
		{"isin", s.ISIN, MaxISINLen},
		{"currencyid", s.CurrencyID, MaxCurrencyIDLen},
	}
	for _, f := range required {
		if f.value == "" {
			return apperrors.NewValidationError(ticker, f.field, f.value, "required")
		}
		if utf8.RuneCountInString(f.value) > f.max {
			return apperrors.NewValidationError(ticker, f.field, f.value, "too long")
		}
	}
	if s.LatName != nil && utf8.RuneCountInString(*s.LatName) > MaxLatNameLen {
		return apperrors.NewValidationError(ticker, "latname", *s.LatName, "too long")
	}
	if s.RegNumber != nil && utf8.RuneCountInString(*s.RegNumber) > MaxRegNumberLen {
		return apperrors.NewValidationError(ticker, "regnumber", *s.RegNumber, "too long")
	}

	if !s.Status.Valid() {
		return apperrors.NewValidationError(ticker, "status", s.Status, "unknown status")
	}
	if !s.SecType.Valid() {
		return apperrors.NewValidationError(ticker, "sectype", s.SecType, "unknown security type")
	}
	if !s.ListLevel.Valid() {
		return apperrors.NewValidationError(ticker, "listlevel", s.ListLevel, "must be 1, 2 or 3")
	}
	if s.LotSize < 0 {
		return apperrors.NewValidationError(ticker, "lotsize", s.LotSize, "must not be negative")
	}
	if s.IssueSize < 0 {
		return apperrors.NewValidationError(ticker, "issuesize", s.IssueSize, "must not be negative")
	}
	if s.Decimals < 0 {
		return apperrors.NewValidationError(ticker, "decimals", s.Decimals, "must not be negative")
	}
	if s.SettleDate.IsZero() {
		return apperrors.NewValidationError(ticker, "settledate", s.SettleDate, "required")
	}
	return nil
}
