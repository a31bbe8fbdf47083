// Package servers owns the listening endpoint of each logical context
// (app, manage and diag) and knows how to take it down hard.
//
// An endpoint is either an in-process http.Server started with Bind or an
// external process registered with Adopt. Close cuts every tracked
// connection, stops the endpoint and waits a short grace period so the
// operating system releases the port before anything else binds it.
package servers
