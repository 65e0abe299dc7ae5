// Package config provides configuration loading and validation for the voice client.
// A YAML file is layered over built-in defaults, then AI_BASE and VOICE_SESSION
// from the environment override the server settings.
package config
