/*
Package game
File: amount.go
Description:
    STAR amounts are fixed-point integers. One STAR is split into one million
    micro-units so fractional passive income (0.5 STAR/hour, 0.75 STAR/hour)
    never needs floating point in the ledger.
*/

package game

import (
	"fmt"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Amount is a STAR quantity expressed in micro-units (1 STAR = Unit).
type Amount int64

// Unit is the number of micro-units in one STAR.
const Unit Amount = 1_000_000

const amountDecimals = 6

// STAR converts a whole number of tokens into an Amount.
func STAR(n int64) Amount {
	return Amount(n) * Unit
}

// ParseAmount reads a decimal string such as "12", "0.5" or "-3.25".
// More than six fractional digits is an error rather than a silent truncation.
func ParseAmount(s string) (Amount, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("amount: empty value")
	}
	neg := false
	switch s[0] {
	case '-':
		neg = true
		s = s[1:]
	case '+':
		s = s[1:]
	}
	whole, frac, hasFrac := strings.Cut(s, ".")
	if whole == "" && (!hasFrac || frac == "") {
		return 0, fmt.Errorf("amount: %q is not a number", s)
	}
	if len(frac) > amountDecimals {
		return 0, fmt.Errorf("amount: %q has more than %d decimal places", s, amountDecimals)
	}

	var w int64
	if whole != "" {
		v, err := strconv.ParseInt(whole, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("amount: %w", err)
		}
		w = v
	}
	var f int64
	if frac != "" {
		v, err := strconv.ParseInt(frac+strings.Repeat("0", amountDecimals-len(frac)), 10, 64)
		if err != nil {
			return 0, fmt.Errorf("amount: %w", err)
		}
		f = v
	}
	if w > int64(^uint64(0)>>1)/int64(Unit)-1 {
		return 0, fmt.Errorf("amount: %q overflows", s)
	}

	a := Amount(w)*Unit + Amount(f)
	if neg {
		a = -a
	}
	return a, nil
}

// String renders the amount with trailing zeros trimmed ("1.5", "20").
func (a Amount) String() string {
	sign := ""
	v := int64(a)
	if v < 0 {
		sign = "-"
		v = -v
	}
	whole := v / int64(Unit)
	frac := v % int64(Unit)
	if frac == 0 {
		return sign + strconv.FormatInt(whole, 10)
	}
	fs := strings.TrimRight(fmt.Sprintf("%06d", frac), "0")
	return sign + strconv.FormatInt(whole, 10) + "." + fs
}

// Whole returns the amount truncated to whole STAR.
func (a Amount) Whole() int64 {
	return int64(a / Unit)
}

// UnmarshalYAML accepts plain YAML scalars (10, 0.75, "2.5").
func (a *Amount) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: amount must be a scalar", node.Line)
	}
	v, err := ParseAmount(node.Value)
	if err != nil {
		return fmt.Errorf("line %d: %w", node.Line, err)
	}
	*a = v
	return nil
}

// MarshalJSON emits a JSON number, not a quoted string.
func (a Amount) MarshalJSON() ([]byte, error) {
	return []byte(a.String()), nil
}

func (a *Amount) UnmarshalJSON(b []byte) error {
	s := strings.Trim(string(b), `"`)
	if s == "null" {
		*a = 0
		return nil
	}
	v, err := ParseAmount(s)
	if err != nil {
		return err
	}
	*a = v
	return nil
}
