// Package api is the REST boundary of the realtime client.
//
// It performs token requests, server time queries, auth URL fetches and the
// connectivity check. Requests that fail with a retryable status move on to
// the next fallback host; a fallback host that succeeds is remembered in a
// process-wide FallbackCache so later REST calls and realtime connections
// start from it until the cache entry expires.
package api
