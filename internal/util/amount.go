package util

import (
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"strconv"
	"strings"
)

// MaxDecimals is the largest coin precision an int64 smallest-unit balance can represent.
const MaxDecimals = 18

// Precision converts between human coin amounts and integer smallest units.
type Precision struct {
	Decimals  int
	Magnitude int64
}

// NewPrecision returns the precision for a coin with the given number of decimals
func NewPrecision(decimals int) (Precision, error) {
	if decimals < 0 || decimals > MaxDecimals {
		return Precision{}, fmt.Errorf("unsupported coin precision %d", decimals)
	}
	magnitude := int64(1)
	for i := 0; i < decimals; i++ {
		magnitude *= 10
	}
	return Precision{Decimals: decimals, Magnitude: magnitude}, nil
}

// ParsePrecision sniffs the coin precision from a raw getbalance response body.
// The daemon prints balances with every decimal place, so the length of the
// fractional part of the result gives the number of decimals.
func ParsePrecision(raw []byte) (Precision, error) {
	body := string(raw)
	idx := strings.Index(body, `"result":`)
	if idx < 0 {
		return Precision{}, errors.New("no result in balance response")
	}
	value := body[idx+len(`"result":`):]
	if end := strings.IndexAny(value, ",}"); end >= 0 {
		value = value[:end]
	}
	value = strings.TrimSpace(value)

	dot := strings.IndexByte(value, '.')
	if dot < 0 {
		return Precision{}, fmt.Errorf("balance %q has no fractional part", value)
	}
	frac := value[dot+1:]
	if frac == "" {
		return Precision{}, fmt.Errorf("balance %q has no fractional part", value)
	}
	for _, ch := range frac {
		if ch < '0' || ch > '9' {
			return Precision{}, fmt.Errorf("balance %q is not a plain decimal", value)
		}
	}
	return NewPrecision(len(frac))
}

// ToUnits converts a decimal coin amount to smallest units, truncating any
// digits beyond the coin precision.
func (p Precision) ToUnits(amount string) (int64, error) {
	r, ok := new(big.Rat).SetString(strings.TrimSpace(amount))
	if !ok {
		return 0, fmt.Errorf("invalid amount %q", amount)
	}
	r.Mul(r, new(big.Rat).SetInt64(p.Magnitude))
	units := new(big.Int).Quo(r.Num(), r.Denom())
	if !units.IsInt64() {
		return 0, fmt.Errorf("amount %q overflows smallest units", amount)
	}
	return units.Int64(), nil
}

// FromCoins converts a configured coin value to smallest units
func (p Precision) FromCoins(coins float64) int64 {
	units, err := p.ToUnits(strconv.FormatFloat(coins, 'f', -1, 64))
	if err != nil {
		return 0
	}
	return units
}

// Format renders smallest units as a decimal coin amount with every decimal place
func (p Precision) Format(units int64) string {
	if p.Decimals == 0 {
		return strconv.FormatInt(units, 10)
	}
	sign := ""
	u := new(big.Int).SetInt64(units)
	if u.Sign() < 0 {
		sign = "-"
		u.Neg(u)
	}
	whole, frac := new(big.Int).QuoRem(u, big.NewInt(p.Magnitude), new(big.Int))
	return fmt.Sprintf("%s%s.%0*d", sign, whole.String(), p.Decimals, frac.Int64())
}

// Number renders smallest units as a JSON number for RPC parameters
func (p Precision) Number(units int64) json.Number {
	return json.Number(p.Format(units))
}
