package ratelimit

import "time"

// bucketKey builds the UTC hour-bucketed counter key for a scope
// (spec.md §4.1): reachSessionLimit:<scope>:YYYY-MM-DD-HH
func bucketKey(scope string, at time.Time) string {
	return "reachSessionLimit:" + scope + ":" + at.UTC().Format("2006-01-02-15")
}

// GlobalScope is the scope name for the account-wide ceiling.
const GlobalScope = "global"

// SenderScope returns the scope name for a per-sender ceiling. This is
// the bare sender id: the KV key layout in spec.md §6 is
// reachSessionLimit:<senderId>:YYYY-MM-DD-HH, with no extra segment
// between the namespace and the id.
func SenderScope(senderID string) string {
	return senderID
}
