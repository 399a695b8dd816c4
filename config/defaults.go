package config

import _ "embed"

// Default is the built-in configuration every deployment starts from.
//
//go:embed conf.default.yaml
var Default []byte
