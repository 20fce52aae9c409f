package config

import "os"

// EnvironmentExpander expands environment-variable placeholders (${VAR} or $VAR)
// within a raw configuration document before it is unmarshalled.
type EnvironmentExpander interface {
	Expand(input []byte) ([]byte, error)
}

// OsEnvironmentExpander implements EnvironmentExpander via os.ExpandEnv.
type OsEnvironmentExpander struct{}

// NewOsEnvironmentExpander creates an OsEnvironmentExpander.
func NewOsEnvironmentExpander() *OsEnvironmentExpander {
	return &OsEnvironmentExpander{}
}

// Expand replaces ${VAR}/$VAR references with their environment values. Unset
// variables expand to the empty string; os.ExpandEnv never errors.
func (e *OsEnvironmentExpander) Expand(input []byte) ([]byte, error) {
	return []byte(os.ExpandEnv(string(input))), nil
}
