// Package config defines the supervisor settings and provides helpers to
// load, validate and save them in YAML format.
//
// Loading goes through viper so any key can be overridden from the
// environment with the SERVICE_CORE_ prefix.
package config
