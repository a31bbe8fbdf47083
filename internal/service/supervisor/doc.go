// Package supervisor decides which installed version of each service runs.
//
// An update cycle resolves the newest release and installs it. A start
// walks the installed versions from newest to oldest, skipping the ones
// whose stability score rules them out, and keeps the first one that
// starts and passes the health check. Scores move as follows:
//
//	 0  installed, not tried yet
//	 1  stayed healthy
//	-1  failed once, tried again only on the first attempt after launch
//	-2  failed for good
//
// A failure is final when it happens on the first attempt after launch or
// on a tag that already failed once. The monitor repeats update and start
// on a long interval, one service after the other.
package supervisor
