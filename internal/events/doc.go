// Package events is the in-process publish/subscribe bus.
//
// Subscribers register for a Topic, a (kind, id) pair such as
// ("terminal-output", sessionID) or ("file-change", projectID), and receive
// Events on a buffered channel. Cancel on the returned Subscription is the
// only way to remove it; callers defer it where the subscription is created.
//
// Publish never blocks. A subscriber whose buffer is full misses the event.
package events
