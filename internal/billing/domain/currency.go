package domain

import (
	"strconv"
	"strings"
)

// Provider amounts are integers in the currency's smallest unit. Most currencies
// have two decimals; the sets below list the exceptions.
var zeroDecimalCurrencies = map[string]struct{}{
	"BIF": {}, "CLP": {}, "DJF": {}, "GNF": {}, "JPY": {}, "KMF": {}, "KRW": {},
	"MGA": {}, "PYG": {}, "RWF": {}, "UGX": {}, "VND": {}, "VUV": {}, "XAF": {},
	"XOF": {}, "XPF": {},
}

var threeDecimalCurrencies = map[string]struct{}{
	"BHD": {}, "JOD": {}, "KWD": {}, "OMR": {}, "TND": {},
}

// NormalizeCurrency upper-cases and trims an ISO 4217 code.
func NormalizeCurrency(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// CurrencyExponent returns the number of decimal places of the minor unit.
func CurrencyExponent(code string) int {
	code = NormalizeCurrency(code)
	if _, ok := zeroDecimalCurrencies[code]; ok {
		return 0
	}
	if _, ok := threeDecimalCurrencies[code]; ok {
		return 3
	}
	return 2
}

// IsZeroDecimal reports whether amounts in code are already whole units.
func IsZeroDecimal(code string) bool {
	return CurrencyExponent(code) == 0
}

// FormatAmount renders a minor-unit amount as a major-unit decimal string,
// e.g. 1999 USD -> "19.99", 1000 JPY -> "1000", 1234 KWD -> "1.234".
func FormatAmount(amount int64, currency string) string {
	exp := CurrencyExponent(currency)
	negative := amount < 0
	if negative {
		amount = -amount
	}
	digits := strconv.FormatInt(amount, 10)
	if exp > 0 {
		if len(digits) <= exp {
			digits = strings.Repeat("0", exp-len(digits)+1) + digits
		}
		cut := len(digits) - exp
		digits = digits[:cut] + "." + digits[cut:]
	}
	if negative {
		return "-" + digits
	}
	return digits
}

// DisplayAmount renders amount with its currency code, e.g. "19.99 USD".
func DisplayAmount(amount int64, currency string) string {
	return FormatAmount(amount, currency) + " " + NormalizeCurrency(currency)
}
