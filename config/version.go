package config

import "fmt"

// version fields, following pktconfig/version's semver scheme.
const (
	versionMajor = 0
	versionMinor = 1
	versionPatch = 0
)

// Version returns pisad's semver string.
func Version() string {
	return fmt.Sprintf("%d.%d.%d", versionMajor, versionMinor, versionPatch)
}
