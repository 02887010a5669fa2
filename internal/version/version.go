// Package version pins the client version string reported in User-Agent
// headers and telemetry payloads.
package version

// Version is the semantic version of this client.
const Version = "0.1.0"
