// Package config merges a deployment request from its three sources,
// defaults first, then the YAML file, then MOOR_* environment
// variables; CLI flags are overlaid last by the command layer.
package config
