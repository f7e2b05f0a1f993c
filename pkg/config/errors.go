package config

import "errors"

var (
	// ErrManifestNotFound indicates the MCP server manifest file was not found
	ErrManifestNotFound = errors.New("MCP server manifest not found")

	// ErrInvalidManifest indicates the manifest failed to parse or validate
	ErrInvalidManifest = errors.New("invalid MCP server manifest")

	// ErrValidationFailed indicates settings validation failed
	ErrValidationFailed = errors.New("configuration validation failed")

	// ErrMCPServerNotFound indicates an MCP server was not found in the registry
	ErrMCPServerNotFound = errors.New("MCP server not found")

	// ErrMissingRequiredField indicates a required setting is missing
	ErrMissingRequiredField = errors.New("missing required setting")

	// ErrInvalidValue indicates a setting has an invalid value
	ErrInvalidValue = errors.New("invalid setting value")
)
