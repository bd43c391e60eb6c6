// Package progress tracks job completion through a build session and logs
// periodic in-flight progress plus a final summary. An optional callback
// receives every state change for UI integration.
package progress
