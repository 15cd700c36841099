package inputboolean

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"homehelpers/internal/ha"

	"go.uber.org/multierr"
)

// ErrInvalidConfig wraps every configuration problem found by ValidateConfig
var ErrInvalidConfig = errors.New("invalid input_boolean config")

// EntityConfig is the validated configuration of one input_boolean
type EntityConfig struct {
	ObjectID string
	Name     string
	Icon     string
	// Initial is nil when no initial value was configured
	Initial *bool
}

// EntityID returns input_boolean.<object id>
func (c EntityConfig) EntityID() string {
	return ha.EntityID(Domain, c.ObjectID)
}

// ValidateConfig checks the input_boolean section of the configuration and
// returns the entities it describes, sorted by object id.
//
// The section must be a non-empty mapping of slug to either nothing or a
// mapping with the optional keys name, icon and initial. All problems are
// reported together.
func ValidateConfig(raw interface{}) ([]EntityConfig, error) {
	section, err := toStringMap(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	if len(section) == 0 {
		return nil, fmt.Errorf("%w: at least one entity must be configured", ErrInvalidConfig)
	}

	var errs error
	configs := make([]EntityConfig, 0, len(section))

	for key, value := range section {
		cfg, err := validateEntity(key, value)
		if err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		configs = append(configs, cfg)
	}

	if errs != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidConfig, errs)
	}

	sort.Slice(configs, func(i, j int) bool {
		return configs[i].ObjectID < configs[j].ObjectID
	})
	return configs, nil
}

func validateEntity(key string, value interface{}) (EntityConfig, error) {
	cfg := EntityConfig{ObjectID: key}

	if !ha.IsSlug(key) {
		return cfg, fmt.Errorf("invalid slug %q (try %q)", key, ha.Slugify(key))
	}

	if value == nil {
		return cfg, nil
	}

	options, err := toStringMap(value)
	if err != nil {
		return cfg, fmt.Errorf("%s: %w", key, err)
	}

	var errs error
	for option, v := range options {
		switch option {
		case ConfName:
			name, err := coerceString(v)
			if err != nil {
				errs = multierr.Append(errs, fmt.Errorf("%s.%s: %w", key, option, err))
				continue
			}
			cfg.Name = name

		case ConfIcon:
			icon, err := validateIcon(v)
			if err != nil {
				errs = multierr.Append(errs, fmt.Errorf("%s.%s: %w", key, option, err))
				continue
			}
			cfg.Icon = icon

		case ConfInitial:
			initial, err := coerceBool(v)
			if err != nil {
				errs = multierr.Append(errs, fmt.Errorf("%s.%s: %w", key, option, err))
				continue
			}
			cfg.Initial = &initial

		default:
			errs = multierr.Append(errs, fmt.Errorf("%s: extra key %q not allowed", key, option))
		}
	}

	return cfg, errs
}

// toStringMap accepts the map shapes a YAML or JSON decoder produces
func toStringMap(value interface{}) (map[string]interface{}, error) {
	switch v := value.(type) {
	case map[string]interface{}:
		return v, nil
	case map[interface{}]interface{}:
		out := make(map[string]interface{}, len(v))
		for k, item := range v {
			key, ok := k.(string)
			if !ok {
				return nil, fmt.Errorf("key %v is not a string", k)
			}
			out[key] = item
		}
		return out, nil
	case nil:
		return nil, fmt.Errorf("expected a mapping, got nothing")
	default:
		return nil, fmt.Errorf("expected a mapping, got %T", value)
	}
}

func coerceString(value interface{}) (string, error) {
	switch v := value.(type) {
	case string:
		return v, nil
	case int, int64, float64, bool:
		return fmt.Sprint(v), nil
	case nil:
		return "", fmt.Errorf("string value is None")
	default:
		return "", fmt.Errorf("expected a string, got %T", value)
	}
}

// validateIcon only asks for the prefix separator; "mdi:" is accepted
func validateIcon(value interface{}) (string, error) {
	icon, ok := value.(string)
	if !ok {
		return "", fmt.Errorf("expected a string, got %T", value)
	}
	if !strings.Contains(icon, ":") {
		return "", fmt.Errorf("icons should be specified in the form \"prefix:name\", got %q", icon)
	}
	return icon, nil
}

func coerceBool(value interface{}) (bool, error) {
	switch v := value.(type) {
	case bool:
		return v, nil
	case int:
		return v != 0, nil
	case int64:
		return v != 0, nil
	case float64:
		return v != 0, nil
	case string:
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "1", "true", "yes", "on", "enable":
			return true, nil
		case "0", "false", "no", "off", "disable":
			return false, nil
		}
		return false, fmt.Errorf("invalid boolean value %q", v)
	case nil:
		return false, nil
	case []interface{}:
		return len(v) > 0, nil
	case map[string]interface{}:
		return len(v) > 0, nil
	default:
		return false, fmt.Errorf("expected a boolean, got %T", value)
	}
}
