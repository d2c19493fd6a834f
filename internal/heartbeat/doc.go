// Package heartbeat drives the poll-only issue transport.
//
// A Poller keeps a list of watched issue ids and a cursor (the start time of
// the last completed cycle). Each cycle fetches comments updated after the
// cursor from every watched issue, one issue at a time:
//
//   - comments carrying an envelope go to the Router
//   - other comments that mention one of the configured aliases become an
//     inform message delivered to the default worker's inbox
//   - everything else is skipped
//
// A failing issue is counted and skipped; the cursor only advances after
// every issue has been visited. Comments written by the poller's own account
// and comments already handled are ignored.
//
// State is a small JSON file:
//
//	{"lastPollAt": "2026-05-01T12:00:00Z", "watchedIssueIds": ["..."]}
//
// A missing or unreadable file starts from empty state with an initial
// lookback window instead of the whole history.
package heartbeat
