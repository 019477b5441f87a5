// Package config provides configuration loading and validation for the Mikey
// daemon. Configuration is YAML, layered over in-code defaults and validated
// per section.
package config
