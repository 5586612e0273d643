// Package currency parses rendered paid-message amounts and normalises them
// to JPY with a static rate table.
package currency

import (
	"regexp"
	"strconv"
	"strings"
)

var amountPattern = regexp.MustCompile(`^((?:[A-Z]{1,2})?\$|(?:[A-Z]{2})?¥|£|€|₹|￦|₪|₫|[A-Z]{3})\s?((?:\d{1,3},(?:\d{3},)*\d{3}|\d+)(?:\.\d+)?)$`)

// ParseAmount splits a display string such as "$5.00" or "NT$1,500.00" into
// its amount and currency symbol.
func ParseAmount(display string) (amount float64, symbol string, ok bool) {
	m := amountPattern.FindStringSubmatch(strings.TrimSpace(display))
	if m == nil {
		return 0, "", false
	}
	n, err := strconv.ParseFloat(strings.ReplaceAll(m[2], ",", ""), 64)
	if err != nil {
		return 0, "", false
	}
	return n, m[1], true
}

var symbols = map[string]string{
	"$":   "USD",
	"US$": "USD",
	"A$":  "AUD",
	"CA$": "CAD",
	"NT$": "TWD",
	"HK$": "HKD",
	"NZ$": "NZD",
	"MX$": "MXN",
	"R$":  "BRL",
	"¥":   "JPY",
	"￥":   "JPY",
	"JP¥": "JPY",
	"CN¥": "CNY",
	"£":   "GBP",
	"€":   "EUR",
	"₹":   "INR",
	"￦":   "KRW",
	"₩":   "KRW",
	"₪":   "ILS",
	"₫":   "VND",
	"₱":   "PHP",
}

// Code maps a symbol or ISO code to an ISO code. Unknown input maps to JPY.
func Code(symbol string) string {
	symbol = strings.TrimSpace(symbol)
	if code, ok := symbols[symbol]; ok {
		return code
	}
	if len(symbol) == 3 && strings.ToUpper(symbol) == symbol {
		if _, ok := jpyRates[symbol]; ok {
			return symbol
		}
	}
	return "JPY"
}

// 1 unit of currency in JPY.
var jpyRates = map[string]float64{
	"JPY": 1,
	"USD": 108,
	"GBP": 139,
	"EUR": 120,
	"TWD": 3.5,
	"KRW": 0.09,
	"HKD": 13.86,
	"PEN": 32.43,
	"SEK": 11.22,
	"AUD": 74.14,
	"CAD": 83.21,
	"BRL": 27.15,
	"MXN": 5.7,
	"RUB": 1.71,
	"PHP": 2.13,
	"INR": 1.46,
	"NZD": 70.0,
	"CNY": 16.6,
	"SGD": 79.5,
	"ILS": 30.6,
	"VND": 0.0046,
	"CHF": 112,
	"NOK": 11.9,
	"DKK": 16.1,
	"PLN": 28.1,
	"ARS": 1.2,
	"CLP": 0.14,
	"COP": 0.029,
	"MYR": 25.9,
	"THB": 3.4,
	"IDR": 0.0075,
	"ZAR": 7.2,
}

// Converter normalises amounts to JPY. Rates overrides entries of the
// built-in table.
type Converter struct {
	Rates map[string]float64
}

// ToJPY converts amount in code to JPY. Unknown codes are returned unchanged.
func (c Converter) ToJPY(amount float64, code string) float64 {
	if rate, ok := c.Rates[code]; ok {
		return amount * rate
	}
	if rate, ok := jpyRates[code]; ok {
		return amount * rate
	}
	return amount
}
