// Package config loads and validates the labdaq YAML configuration.
//
// Configuration is layered: Default() provides working settings for a
// local simulated setup, and Load() applies a YAML file on top of them.
// Struct tag validation catches malformed values before anything is
// wired up.
package config
