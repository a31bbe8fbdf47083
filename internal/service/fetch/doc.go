// Package fetch is the HTTP GET client used for the release feed, asset
// downloads and health checks.
//
// Redirects are followed by the client itself so the hop limit and the
// error for a redirect without a Location header are under its control.
// Transport failures are reported as ErrNetwork and never retried here.
package fetch
