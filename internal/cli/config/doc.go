// Package config holds the meshtopo-cli configuration file
// (~/.meshtopo/cli.yaml): named server profiles and output preferences.
package config
