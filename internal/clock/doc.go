// Package clock provides an injectable time source.
//
// Components that wait (transport backoff, heartbeats, probe deadlines)
// take a Clock instead of calling the time package directly. Production
// code uses Real(); tests use Fake() and move time with Advance after
// WaitForTimers confirms the component has registered its waiters.
package clock
