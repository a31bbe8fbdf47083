// Package packager builds a release bundle from a program directory: a zip
// archive named <tag><suffix> and its .sha512 companion, ready to be
// attached to a release so the supervisor can install it.
package packager
