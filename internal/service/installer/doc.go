// Package installer downloads a release asset, unpacks it into its own
// version directory and installs its dependencies with external tools.
package installer
