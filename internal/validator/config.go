package validator

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// LoadConfig reads validator definitions from a JSON file and layers them
// over base. Validators in the file replace same-named ones in base; a
// non-empty invoker replaces base's, and fields set in the file's defaults
// block override base's defaults.
func LoadConfig(path string, base domain.ValidatorsConfig) (domain.ValidatorsConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return base, fmt.Errorf("failed to read validator config: %w", err)
	}

	var file domain.ValidatorsConfig
	if err := json.Unmarshal(data, &file); err != nil {
		return base, fmt.Errorf("failed to parse validator config %s: %w", path, err)
	}

	out := base
	if file.Invoker != "" {
		out.Invoker = file.Invoker
	}
	out.Defaults = file.Defaults.Merge(base.Defaults)

	out.Validators = make(map[string]domain.ValidatorConfig, len(base.Validators)+len(file.Validators))
	for id, v := range base.Validators {
		out.Validators[id] = v
	}
	for id, v := range file.Validators {
		if id == "" {
			return base, fmt.Errorf("validator config %s: empty validator id", path)
		}
		if a := v.Fallback.Action; a != "" && a != domain.FallbackSkip && a != domain.FallbackDegrade && a != domain.FallbackDefault {
			return base, fmt.Errorf("validator %s: unknown fallback action %q", id, a)
		}
		out.Validators[id] = v
	}
	return out, nil
}
