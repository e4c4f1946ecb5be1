// Package config loads the YAML configuration of the agent runtime, applies
// defaults relative to the configuration file and lets OPENMCP_* environment
// variables override secrets and addresses.
package config
