package config

import (
	"fmt"
	"os"

	"broker_datafeed/models"

	"gopkg.in/yaml.v3"
)

type instrumentFile struct {
	Instruments []models.TokenConfig `yaml:"instruments"`
}

// LoadInstruments reads the symbol/token list the feed subscribes to.
func LoadInstruments(path string) ([]models.TokenConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read instruments: %w", err)
	}

	var f instrumentFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("parse instruments %s: %w", path, err)
	}

	seen := make(map[int64]string, len(f.Instruments))
	for i, in := range f.Instruments {
		if in.Symbol == "" || in.Token <= 0 {
			return nil, fmt.Errorf("%w: instrument #%d needs a symbol and a positive token", ErrInvalid, i+1)
		}
		if prev, ok := seen[in.Token]; ok {
			return nil, fmt.Errorf("%w: token %d used by both %s and %s", ErrInvalid, in.Token, prev, in.Symbol)
		}
		seen[in.Token] = in.Symbol
		if f.Instruments[i].Exchange == "" {
			f.Instruments[i].Exchange = "NSE_CM"
		}
	}
	if len(f.Instruments) == 0 {
		return nil, fmt.Errorf("%w: no instruments in %s", ErrInvalid, path)
	}
	return f.Instruments, nil
}
