// Package instrument validates order intents per instrument class, derives
// the lineage key positions are matched by, and parses derivative contract
// codes of the form {ASSET}-{YYYYMMDD} (futures) and
// {ASSET}-{YYYYMMDD}-{STRIKE}-{C|P} (options).
package instrument

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/trading-engine/internal/model"
)

var (
	ErrInvalidIntent   = errors.New("instrument: invalid order intent")
	ErrMissingExpiry   = fmt.Errorf("%w: expiry_date is required", ErrInvalidIntent)
	ErrMissingStrike   = fmt.Errorf("%w: strike_price must be positive", ErrInvalidIntent)
	ErrMissingType     = fmt.Errorf("%w: option_type must be CALL or PUT", ErrInvalidIntent)
	ErrMissingPremium  = fmt.Errorf("%w: premium must be positive", ErrInvalidIntent)
	ErrInvalidContract = errors.New("instrument: invalid contract code")
)

// contractRegex matches: {ASSET}-{YYYYMMDD}[-{STRIKE}-{C|P}]
// Examples: BTCUSDT-20261231, BTCUSDT-20261231-65000-C
var contractRegex = regexp.MustCompile(
	`^([A-Z0-9]+)-(\d{8})(?:-([0-9]+(?:\.[0-9]+)?)-([CP]))?$`,
)

// Contract is a parsed derivative contract code.
type Contract struct {
	Code        string                `json:"code"`
	AssetSymbol string                `json:"asset_symbol"`
	Class       model.InstrumentClass `json:"instrument_class"`
	ExpiryDate  time.Time             `json:"expiry_date"`
	StrikePrice decimal.Decimal       `json:"strike_price,omitempty"`
	OptionType  model.OptionType      `json:"option_type,omitempty"`
}

// ParseContract parses a futures or options contract code.
func ParseContract(code string) (*Contract, error) {
	matches := contractRegex.FindStringSubmatch(strings.ToUpper(strings.TrimSpace(code)))
	if matches == nil {
		return nil, fmt.Errorf("%w: %s (expected {ASSET}-{YYYYMMDD}[-{STRIKE}-{C|P}])",
			ErrInvalidContract, code)
	}

	expiry, err := ParseExpiry(matches[2])
	if err != nil {
		return nil, fmt.Errorf("%w: invalid date %s", ErrInvalidContract, matches[2])
	}

	c := &Contract{
		Code:        matches[0],
		AssetSymbol: matches[1],
		Class:       model.Futures,
		ExpiryDate:  expiry,
	}
	if matches[3] != "" {
		strike, err := decimal.NewFromString(matches[3])
		if err != nil || !strike.IsPositive() {
			return nil, fmt.Errorf("%w: invalid strike %s", ErrInvalidContract, matches[3])
		}
		c.Class = model.Options
		c.StrikePrice = strike
		c.OptionType = model.Call
		if matches[4] == "P" {
			c.OptionType = model.Put
		}
	}
	return c, nil
}

// Apply copies the contract's identity onto an intent.
func (c *Contract) Apply(intent *model.OrderIntent) {
	intent.AssetSymbol = c.AssetSymbol
	intent.Class = c.Class
	intent.ExpiryDate = c.ExpiryDate
	if c.Class == model.Options {
		intent.StrikePrice = c.StrikePrice
		intent.OptionType = c.OptionType
	}
}

// ParseExpiry accepts YYYYMMDD or YYYY-MM-DD and returns UTC midnight.
func ParseExpiry(s string) (time.Time, error) {
	for _, layout := range []string{"20060102", "2006-01-02"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("instrument: unparseable expiry %q", s)
}

// TruncateDay drops the time of day, in UTC.
func TruncateDay(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// Normalize fills class-specific defaults (leverage and contract size of 1)
// and canonical casing. It never fails; call Validate afterwards.
func Normalize(intent *model.OrderIntent) {
	intent.AssetSymbol = strings.ToUpper(strings.TrimSpace(intent.AssetSymbol))
	intent.Class = model.InstrumentClass(strings.ToUpper(string(intent.Class)))
	intent.Direction = model.Direction(strings.ToUpper(string(intent.Direction)))
	intent.OptionType = model.OptionType(strings.ToUpper(string(intent.OptionType)))
	if !intent.ExpiryDate.IsZero() {
		intent.ExpiryDate = TruncateDay(intent.ExpiryDate)
	}
	if intent.Class == model.Futures {
		if intent.Leverage.IsZero() {
			intent.Leverage = decimal.NewFromInt(1)
		}
		if intent.ContractSize.IsZero() {
			intent.ContractSize = decimal.NewFromInt(1)
		}
	}
}

// Validate checks the fields every class requires.
func Validate(intent model.OrderIntent) error {
	if intent.AssetSymbol == "" {
		return fmt.Errorf("%w: asset_symbol is required", ErrInvalidIntent)
	}
	if intent.Direction != model.Buy && intent.Direction != model.Sell {
		return fmt.Errorf("%w: direction must be BUY or SELL", ErrInvalidIntent)
	}
	if !intent.Quantity.IsPositive() {
		return fmt.Errorf("%w: quantity must be positive", ErrInvalidIntent)
	}
	if !intent.Price.IsPositive() {
		return fmt.Errorf("%w: price must be positive", ErrInvalidIntent)
	}

	switch intent.Class {
	case model.Spot:
		return nil
	case model.Futures:
		if intent.ExpiryDate.IsZero() {
			return ErrMissingExpiry
		}
		if intent.Leverage.LessThan(decimal.NewFromInt(1)) {
			return fmt.Errorf("%w: leverage must be at least 1", ErrInvalidIntent)
		}
		if !intent.ContractSize.IsPositive() {
			return fmt.Errorf("%w: contract_size must be positive", ErrInvalidIntent)
		}
		return nil
	case model.Options:
		if intent.ExpiryDate.IsZero() {
			return ErrMissingExpiry
		}
		if !intent.StrikePrice.IsPositive() {
			return ErrMissingStrike
		}
		if intent.OptionType != model.Call && intent.OptionType != model.Put {
			return ErrMissingType
		}
		if !intent.Premium.IsPositive() {
			return ErrMissingPremium
		}
		return nil
	default:
		return fmt.Errorf("%w: unknown instrument_class %q", ErrInvalidIntent, intent.Class)
	}
}

// Lineage identifies the set of positions an intent can average into or cover.
// Direction is deliberately not part of it.
type Lineage struct {
	OwnerID     string
	AssetSymbol string
	Class       model.InstrumentClass
	ExpiryDate  time.Time
	StrikePrice decimal.Decimal
	OptionType  model.OptionType
}

// LineageOf derives the lineage of an intent placed by owner.
func LineageOf(owner string, intent model.OrderIntent) Lineage {
	l := Lineage{OwnerID: owner, AssetSymbol: intent.AssetSymbol, Class: intent.Class}
	switch intent.Class {
	case model.Futures:
		l.ExpiryDate = intent.ExpiryDate
	case model.Options:
		l.ExpiryDate = intent.ExpiryDate
		l.StrikePrice = intent.StrikePrice
		l.OptionType = intent.OptionType
	}
	return l
}

// LineageOfPosition derives the lineage of an existing position.
func LineageOfPosition(p *model.Position) Lineage {
	l := Lineage{OwnerID: p.OwnerID, AssetSymbol: p.AssetSymbol, Class: p.Class}
	switch d := p.Detail.(type) {
	case *model.FuturesDetail:
		l.ExpiryDate = d.ExpiryDate
	case *model.OptionsDetail:
		l.ExpiryDate = d.ExpiryDate
		l.StrikePrice = d.StrikePrice
		l.OptionType = d.OptionType
	}
	return l
}

// Key is the string form used by store indexes and cache keys.
func (l Lineage) Key() string {
	switch l.Class {
	case model.Futures:
		return fmt.Sprintf("%s|%s|%s|%s", l.OwnerID, l.Class, l.AssetSymbol, l.ExpiryDate.Format("20060102"))
	case model.Options:
		return fmt.Sprintf("%s|%s|%s|%s|%s|%s", l.OwnerID, l.Class, l.AssetSymbol,
			l.ExpiryDate.Format("20060102"), l.StrikePrice.String(), l.OptionType)
	default:
		return fmt.Sprintf("%s|%s|%s", l.OwnerID, l.Class, l.AssetSymbol)
	}
}

// Matches reports whether p belongs to this lineage.
func (l Lineage) Matches(p *model.Position) bool {
	return LineageOfPosition(p).Key() == l.Key()
}

// IntrinsicValue is max(0, S-K) for calls and max(0, K-S) for puts.
func IntrinsicValue(t model.OptionType, strike, underlying decimal.Decimal) decimal.Decimal {
	var v decimal.Decimal
	if t == model.Call {
		v = underlying.Sub(strike)
	} else {
		v = strike.Sub(underlying)
	}
	if v.IsNegative() {
		return decimal.Zero
	}
	return v
}

// InTheMoney reports CALL: S > K, PUT: S < K.
func InTheMoney(t model.OptionType, strike, underlying decimal.Decimal) bool {
	if t == model.Call {
		return underlying.GreaterThan(strike)
	}
	return underlying.LessThan(strike)
}
