package validation

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/shopspring/decimal"
)

type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

type ValidationErrors []FieldError

func (v ValidationErrors) Error() string {
	return "invalid request"
}

// addressRule is the shape of a valid address on one chain. Length bounds are
// checked separately so the message can say which one failed.
type addressRule struct {
	pattern *regexp.Regexp
	minLen  int
	maxLen  int
}

var addressRules = map[string]addressRule{
	"BTC":   {regexp.MustCompile(`^(bc1[a-z0-9]{8,87}|[13][a-km-zA-HJ-NP-Z1-9]{25,34})$`), 26, 90},
	"ETH":   {regexp.MustCompile(`^0x[a-fA-F0-9]{40}$`), 42, 42},
	"USDT":  {regexp.MustCompile(`^(0x[a-fA-F0-9]{40}|T[a-zA-Z0-9]{33})$`), 34, 42},
	"USDC":  {regexp.MustCompile(`^(0x[a-fA-F0-9]{40}|T[a-zA-Z0-9]{33})$`), 34, 42},
	"TRX":   {regexp.MustCompile(`^T[a-zA-Z0-9]{33}$`), 34, 34},
	"SOL":   {regexp.MustCompile(`^[1-9A-HJ-NP-Za-km-z]{32,44}$`), 32, 44},
	"LTC":   {regexp.MustCompile(`^(ltc1[a-z0-9]{8,87}|[LM3][a-km-zA-HJ-NP-Z1-9]{26,33})$`), 26, 90},
	"DOGE":  {regexp.MustCompile(`^D[5-9A-HJ-NP-U][1-9A-HJ-NP-Za-km-z]{32}$`), 34, 34},
	"DOT":   {regexp.MustCompile(`^1[1-9A-HJ-NP-Za-km-z]{44,50}$`), 45, 51},
	"ATOM":  {regexp.MustCompile(`^cosmos1[a-z0-9]{38}$`), 45, 45},
	"MATIC": {regexp.MustCompile(`^0x[a-fA-F0-9]{40}$`), 42, 42},
	"BNB":   {regexp.MustCompile(`^0x[a-fA-F0-9]{40}$`), 42, 42},
	"XRP":   {regexp.MustCompile(`^r[1-9A-HJ-NP-Za-km-z]{24,34}$`), 25, 35},
	"ADA":   {regexp.MustCompile(`^addr1[a-z0-9]{50,110}$`), 55, 120},
}

// SupportedSymbols lists every symbol with an address rule, sorted.
func SupportedSymbols() []string {
	symbols := make([]string, 0, len(addressRules))
	for symbol := range addressRules {
		symbols = append(symbols, symbol)
	}
	sort.Strings(symbols)
	return symbols
}

// ValidateAddress checks a destination address against the per-chain rule.
// Symbols without a rule are rejected rather than passed through unchecked.
func ValidateAddress(symbol, address string) error {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	address = strings.TrimSpace(address)

	rule, ok := addressRules[symbol]
	if !ok {
		return fmt.Errorf("unsupported symbol %q: supported symbols are %s",
			symbol, strings.Join(SupportedSymbols(), ", "))
	}
	if address == "" {
		return fmt.Errorf("address is required")
	}
	if len(address) < rule.minLen {
		return fmt.Errorf("address too short for %s (min %d characters)", symbol, rule.minLen)
	}
	if len(address) > rule.maxLen {
		return fmt.Errorf("address too long for %s (max %d characters)", symbol, rule.maxLen)
	}
	if !rule.pattern.MatchString(address) {
		return fmt.Errorf("address does not match the %s format", symbol)
	}
	return nil
}

func ValidateWithdrawRequest(symbol, network, address, amount string) ValidationErrors {
	var errs ValidationErrors

	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	if symbol == "" {
		errs = append(errs, FieldError{Field: "symbol", Message: "symbol is required"})
	}

	if strings.TrimSpace(network) == "" {
		errs = append(errs, FieldError{Field: "network", Message: "network is required"})
	}

	if symbol != "" {
		if err := ValidateAddress(symbol, address); err != nil {
			errs = append(errs, FieldError{Field: "address", Message: err.Error()})
		}
	} else if strings.TrimSpace(address) == "" {
		errs = append(errs, FieldError{Field: "address", Message: "address is required"})
	}

	if _, err := ParsePositiveAmount(amount); err != nil {
		errs = append(errs, FieldError{Field: "amount", Message: err.Error()})
	}

	return errs
}

func ValidateStakeRequest(symbol, amount string) ValidationErrors {
	var errs ValidationErrors

	if strings.TrimSpace(symbol) == "" {
		errs = append(errs, FieldError{Field: "symbol", Message: "symbol is required"})
	}
	if _, err := ParsePositiveAmount(amount); err != nil {
		errs = append(errs, FieldError{Field: "amount", Message: err.Error()})
	}

	return errs
}

func ParsePositiveAmount(raw string) (decimal.Decimal, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return decimal.Zero, fmt.Errorf("amount is required")
	}
	val, err := decimal.NewFromString(trimmed)
	if err != nil {
		return decimal.Zero, fmt.Errorf("amount must be a decimal")
	}
	if val.LessThanOrEqual(decimal.Zero) {
		return decimal.Zero, fmt.Errorf("amount must be positive")
	}
	return val, nil
}

func NormalizeSymbol(symbol string) string {
	return strings.ToUpper(strings.TrimSpace(symbol))
}
