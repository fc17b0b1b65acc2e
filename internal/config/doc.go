// Package config loads the AgentCron runtime configuration from a JSON or
// YAML file through viper, with AGENTCRON_ prefixed environment overrides.
package config
