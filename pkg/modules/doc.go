// Package modules provides instrument backends for the run engine.
//
// The engine talks to instruments through the engine.ModuleController
// interface. Two backends are provided: SimController simulates instruments
// in-process for development and tests, and MQTTController bridges commands
// to real instrument adapters over an MQTT broker with per-command
// acknowledgements.
package modules
