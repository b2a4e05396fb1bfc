package config

import (
	"flag"
	"fmt"
	"maps"
	"slices"
	"strconv"
	"strings"

	"google.golang.org/protobuf/types/known/structpb"
)

// skippedConfigFlags are the command line flags that never come from a config file.
var skippedConfigFlags = []string{"config_file", "print_version"}

// configValueToString converts a leaf config value to its string representation suitable for flag setting.
func configValueToString(v *structpb.Value) (string, error) {
	switch kind := v.GetKind().(type) {
	case *structpb.Value_BoolValue:
		return strconv.FormatBool(kind.BoolValue), nil
	case *structpb.Value_NumberValue:
		// Integral numbers are rendered without exponent so that integer flags accept them.
		if kind.NumberValue == float64(int64(kind.NumberValue)) {
			return strconv.FormatInt(int64(kind.NumberValue), 10), nil
		}
		return strconv.FormatFloat(kind.NumberValue, 'g', -1, 64), nil
	case *structpb.Value_StringValue:
		return kind.StringValue, nil
	default:
		return "", fmt.Errorf("unsupported config value kind %T", kind)
	}
}

// collectConfigFlags collects all leaf values of the given config into `flags`, keyed by flag name.
// Nested objects are walked recursively; lists are not supported by design.
func collectConfigFlags(flags map[ /*flagName*/ string] /*flagValue*/ string, path []string, conf *structpb.Struct) error {
	// Walk keys in a stable order to produce deterministic errors.
	for _, key := range slices.Sorted(maps.Keys(conf.GetFields())) {
		value := conf.GetFields()[key]
		fieldPath := append(slices.Clone(path), key)
		switch kind := value.GetKind().(type) {
		case *structpb.Value_StructValue:
			if err := collectConfigFlags(flags, fieldPath, kind.StructValue); err != nil {
				return err
			}
			continue
		case *structpb.Value_ListValue:
			return fmt.Errorf("lists are not supported: %s", strings.Join(fieldPath, "."))
		case *structpb.Value_NullValue:
			continue // Null means "keep the default".
		}
		stringValue, err := configValueToString(value)
		if err != nil {
			return fmt.Errorf("failed to convert %s: %w", strings.Join(fieldPath, "."), err)
		}
		if _, alreadyExists := flags[key]; alreadyExists {
			return fmt.Errorf("flag '%s' has multiple entries in config: '%s'", key, strings.Join(fieldPath, "."))
		}
		flags[key] = stringValue
	}
	return nil
}

// setConfigFlags sets all the filled flags in the given `conf` to the global flag variables,
// except the ones in `explicit`.
func setConfigFlags(conf *structpb.Struct, explicit map[string]struct{}) error {
	configFlags := make(map[ /*flagName*/ string] /*flagValue*/ string)
	if err := collectConfigFlags(configFlags, nil /*path*/, conf); err != nil {
		return fmt.Errorf("failed to collect flags: %w", err)
	}
	for flagName, flagValue := range configFlags {
		if _, onCommandLine := explicit[flagName]; onCommandLine {
			continue
		}
		if slices.Contains(skippedConfigFlags, flagName) {
			return fmt.Errorf("flag %s cannot be set from a config file", flagName)
		}
		if setErr := flag.Set(flagName, flagValue); setErr != nil {
			return fmt.Errorf("failed to set flag %s: %w", flagName, setErr)
		}
	}
	return nil
}

// CollectUnknownKeys collects all config entries that don't correspond to a registered flag.
// An error exists in the results corresponding to each unknown key.
func CollectUnknownKeys(conf *structpb.Struct) []error {
	configFlags := make(map[ /*flagName*/ string] /*flagValue*/ string)
	if err := collectConfigFlags(configFlags, nil /*path*/, conf); err != nil {
		return []error{err}
	}
	errs := make([]error, 0)
	for _, flagName := range slices.Sorted(maps.Keys(configFlags)) {
		if flag.Lookup(flagName) == nil {
			errs = append(errs, fmt.Errorf("config key '%s' has no registered flag", flagName))
		}
	}
	return errs
}
