// Package config defines the settings of the upgrade tool and provides
// helpers to load, validate and save them in YAML format.
//
// Every field has a default matching a stock NetBox installation under
// /opt/netbox, so a missing settings file is not an error.
package config
