package dynconfig

import (
	"context"
	"fmt"
)

// ValidationResult reports the outcome of pre-commit rule checks. Errors reject
// the write; warnings and suggestions are advisory and never block.
type ValidationResult struct {
	IsValid     bool     `json:"isValid"`
	Errors      []string `json:"errors"`
	Warnings    []string `json:"warnings"`
	Suggestions []string `json:"suggestions"`
}

func newValidationResult() *ValidationResult {
	return &ValidationResult{
		Errors:      []string{},
		Warnings:    []string{},
		Suggestions: []string{},
	}
}

func (r *ValidationResult) errorf(format string, args ...any) {
	r.Errors = append(r.Errors, fmt.Sprintf(format, args...))
}

func (r *ValidationResult) warnf(format string, args ...any) {
	r.Warnings = append(r.Warnings, fmt.Sprintf(format, args...))
}

func (r *ValidationResult) suggest(message string) {
	r.Suggestions = append(r.Suggestions, message)
}

// RuleFunc checks one configuration type's payload against the write request.
type RuleFunc func(ctx context.Context, request WriteRequest, result *ValidationResult)

// Lister is the slice of the store the validator needs for overlap advisories.
type Lister interface {
	List(ctx context.Context, filters ListFilters) ([]ConfigRecord, error)
}

// ConfigValidator runs per-type rule sets before any mutation. Unknown types
// pass with a warning so the type set stays extensible.
type ConfigValidator struct {
	rules  map[ConfigType][]RuleFunc
	lister Lister
}

// NewConfigValidator returns a validator loaded with the built-in rule and
// settings checks. The lister powers overlap advisories and may be nil.
func NewConfigValidator(lister Lister) *ConfigValidator {
	v := &ConfigValidator{
		rules:  make(map[ConfigType][]RuleFunc),
		lister: lister,
	}
	v.Register(ConfigTypeRule, validateRulePayload)
	v.Register(ConfigTypeRule, v.warnOnOverlappingRules)
	v.Register(ConfigTypeSettings, validateSettingsPayload)
	return v
}

// Register appends a rule for the given type.
func (v *ConfigValidator) Register(configType ConfigType, rule RuleFunc) {
	v.rules[configType] = append(v.rules[configType], rule)
}

// Validate runs every registered rule for the request's type.
func (v *ConfigValidator) Validate(ctx context.Context, request WriteRequest) ValidationResult {
	result := newValidationResult()

	rules, ok := v.rules[request.Key.Type]
	if !ok {
		result.warnf("no validation rules registered for type %q", request.Key.Type)
	}
	for _, rule := range rules {
		rule(ctx, request, result)
	}

	result.IsValid = len(result.Errors) == 0
	return *result
}

func validateRulePayload(_ context.Context, request WriteRequest, result *ValidationResult) {
	cfg := request.Configuration

	name, _ := cfg["name"].(string)
	if name == "" {
		result.errorf("rule name is required")
	}

	if _, ok := cfg["taxType"]; !ok && request.TaxType == "" {
		result.errorf("tax type is required")
	}

	rate, ok := numericField(cfg, "rate")
	if !ok {
		result.errorf("rate is required")
	} else if rate < 0 || rate > 100 {
		result.errorf("rate must be between 0 and 100")
	}

	if request.Region == "" {
		if _, ok := cfg["region"]; !ok {
			result.warnf("region not specified, rule will apply globally")
		}
	}

	minAmount, hasMin := numericField(cfg, "minAmount")
	maxAmount, hasMax := numericField(cfg, "maxAmount")
	if hasMin && hasMax && minAmount > maxAmount {
		result.errorf("minAmount must not exceed maxAmount")
	}
}

func (v *ConfigValidator) warnOnOverlappingRules(ctx context.Context, request WriteRequest, result *ValidationResult) {
	if v.lister == nil {
		return
	}

	active := true
	existing, err := v.lister.List(ctx, ListFilters{
		Type:     request.Key.Type,
		Region:   request.Region,
		TaxType:  request.TaxType,
		IsActive: &active,
	})
	if err != nil {
		result.warnf("overlap check skipped: %v", err)
		return
	}

	others := 0
	for _, record := range existing {
		if record.ConfigID != request.Key.ID {
			others++
		}
	}
	if others > 0 {
		result.warnf("%d existing active rules cover this region and tax type", others)
		result.suggest("set priority to control precedence between overlapping rules")
	}
}

func validateSettingsPayload(_ context.Context, request WriteRequest, result *ValidationResult) {
	cfg := request.Configuration

	if rate, ok := numericField(cfg, "defaultTaxRate"); ok && (rate < 0 || rate > 100) {
		result.errorf("defaultTaxRate must be between 0 and 100")
	}

	if precision, ok := numericField(cfg, "calculationPrecision"); ok && precision < 0 {
		result.errorf("calculationPrecision must be non-negative")
	}

	if method, ok := cfg["roundingMethod"].(string); ok {
		switch method {
		case "round", "floor", "ceil":
		default:
			result.errorf("roundingMethod must be one of: round, floor, ceil")
		}
	}
}

// numericField reads a payload number regardless of how JSON decoding typed it.
func numericField(cfg Payload, field string) (float64, bool) {
	value, ok := cfg[field]
	if !ok {
		return 0, false
	}
	switch typed := value.(type) {
	case float64:
		return typed, true
	case float32:
		return float64(typed), true
	case int:
		return float64(typed), true
	case int64:
		return float64(typed), true
	default:
		return 0, false
	}
}
