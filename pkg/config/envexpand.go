package config

import "os"

// ExpandEnv expands ${VAR} / $VAR references in raw YAML bytes before
// parsing, so secrets (API keys, DB passwords) never need to live in the
// YAML file itself. Missing variables expand to empty string; validation
// is responsible for catching fields left empty as a result.
func ExpandEnv(data []byte) []byte {
	return []byte(os.ExpandEnv(string(data)))
}
