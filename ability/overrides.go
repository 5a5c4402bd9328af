package ability

import (
	"log/slog"
	"os"
	"strconv"

	"github.com/dimchansky/utfbom"
	pkgerrors "github.com/pkg/errors"
)

// LoadOverrides reads the operator-supplied flat id→name JSON mapping.
// Overrides carry the highest precedence of all name sources. An empty
// path means no overrides.
func LoadOverrides(path string) (map[int]string, error) {
	if path == "" {
		return nil, nil
	}

	fs, err := os.Open(path)
	if err != nil {
		return nil, pkgerrors.Wrap(err, "ability: open overrides")
	}
	defer fs.Close()

	// Operator files come from editors that may prepend a BOM.
	var raw map[string]string
	if err := jsonIter.NewDecoder(utfbom.SkipOnly(fs)).Decode(&raw); err != nil {
		return nil, pkgerrors.Wrap(err, "ability: decode overrides")
	}

	overrides := make(map[int]string, len(raw))
	for key, name := range raw {
		id, err := strconv.Atoi(key)
		if err != nil || id <= 0 {
			slog.Warn("skipping override with non-numeric ability id", slog.String("key", key))
			continue
		}
		if name != "" {
			overrides[id] = name
		}
	}
	return overrides, nil
}

// MergeNames layers name maps; later layers take precedence. Callers
// pass sources in ascending priority, e.g. resolver output then
// operator overrides.
func MergeNames(layers ...map[int]string) map[int]string {
	merged := make(map[int]string)
	for _, layer := range layers {
		for id, name := range layer {
			if name != "" {
				merged[id] = name
			}
		}
	}
	return merged
}
