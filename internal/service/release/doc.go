// Package release finds the newest installable release of a service on
// its release feed.
package release
