package utils

import (
	"fmt"
	"os"
	"reflect"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/vitwit/x402gate/types"
)

var validate *validator.Validate

func init() {
	validate = validator.New()

	// decimal.Decimal validates as its float value so gt/gte tags apply
	validate.RegisterCustomTypeFunc(func(field reflect.Value) interface{} {
		if d, ok := field.Interface().(decimal.Decimal); ok {
			f, _ := d.Float64()
			return f
		}
		return nil
	}, decimal.Decimal{})

	_ = validate.RegisterValidation("network", validateNetworkTag)
}

func validateNetworkTag(fl validator.FieldLevel) bool {
	return types.Network(fl.Field().String()).IsSupported()
}

// ParseConfig parses a YAML (or JSON) config document, applies defaults and
// validates it.
func ParseConfig(data []byte) (*types.Config, error) {
	var cfg types.Config

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, &types.X402Error{
			Code:    types.ErrConfigError,
			Message: fmt.Sprintf("failed to parse config: %v", err),
			Err:     err,
		}
	}

	cfg.ApplyDefaults()

	if err := ValidateConfig(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// LoadConfig reads and parses the config file at path.
func LoadConfig(path string) (*types.Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &types.X402Error{
			Code:    types.ErrConfigError,
			Message: fmt.Sprintf("failed to read config %s", path),
			Err:     err,
		}
	}
	return ParseConfig(data)
}

// ValidateConfig runs struct validation plus the cross-field checks tags
// cannot express.
func ValidateConfig(cfg *types.Config) error {
	if err := validate.Struct(cfg); err != nil {
		return &types.X402Error{
			Code:    types.ErrConfigError,
			Message: fmt.Sprintf("validation failed: %v", err),
			Err:     err,
		}
	}

	seen := make(map[string]bool, len(cfg.Tiers))
	for _, t := range cfg.Tiers {
		if seen[t.Name] {
			return configError("duplicate tier %q", t.Name)
		}
		seen[t.Name] = true

		payTo := cfg.Payee.Address
		if t.PayTo != "" {
			payTo = t.PayTo
		}
		if err := ValidateAddressForNetwork(payTo, t.Network); err != nil {
			return configError("tier %q: pay_to: %v", t.Name, err)
		}
		if _, err := ToMinorUnits(t.PriceUSD, t.AssetDecimals); err != nil {
			return configError("tier %q: %v", t.Name, err)
		}
	}

	if cfg.Payer.DailyCapUSD.IsPositive() && cfg.Payer.PerTxCapUSD.GreaterThan(cfg.Payer.DailyCapUSD) {
		return configError("payer.per_tx_cap_usd exceeds payer.daily_cap_usd")
	}

	return nil
}

// Validate exposes the shared validator for other struct types.
func Validate(v any) error {
	return validate.Struct(v)
}

func configError(format string, args ...any) error {
	return &types.X402Error{
		Code:    types.ErrConfigError,
		Message: fmt.Sprintf(format, args...),
	}
}
