package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

// Check strictly decodes path, rejecting keys this package does not know,
// then loads the sections present so value errors surface too.
func Check(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config load failed (%s): %w", path, err)
	}
	if err := decodeStrict(path, data); err != nil {
		return err
	}

	_, keys, err := decode(path)
	if err != nil {
		return err
	}
	relaySet, clientSet := keys.IsDefined("relay"), keys.IsDefined("client")
	if relaySet || !clientSet {
		if _, err := LoadRelay(path); err != nil {
			return err
		}
	}
	if clientSet {
		if _, err := LoadClient(path); err != nil {
			return err
		}
	}
	return nil
}

func decodeStrict(path string, data []byte) error {
	var out File
	if isYAML(path) {
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(&out); err != nil && !errors.Is(err, io.EOF) {
			return fmt.Errorf("%w (%s): %v", ErrInvalidConfig, path, err)
		}
		return nil
	}

	dec := toml.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&out); err != nil {
		var strict *toml.StrictMissingError
		if errors.As(err, &strict) {
			return fmt.Errorf("%w (%s): unknown keys:\n%s", ErrInvalidConfig, path, strings.TrimSpace(strict.String()))
		}
		var derr *toml.DecodeError
		if errors.As(err, &derr) {
			row, col := derr.Position()
			return fmt.Errorf("%w (%s): line %d column %d: %v", ErrInvalidConfig, path, row, col, derr)
		}
		return fmt.Errorf("%w (%s): %v", ErrInvalidConfig, path, err)
	}
	return nil
}
