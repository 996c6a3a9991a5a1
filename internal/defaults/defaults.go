// Package defaults embeds the starter files written by steploop init.
package defaults

import _ "embed"

// ConfigYAML is a commented example configuration.
//
//go:embed config.example.yaml
var ConfigYAML []byte

// GoalsYAML is an example batch file for steploop batch.
//
//go:embed goals.example.yaml
var GoalsYAML []byte
