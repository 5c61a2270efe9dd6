// Package config provides YAML configuration loading and validation for the recorder.
package config
