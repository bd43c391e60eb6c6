// Package events provides an in-process broker distributing worker
// lifecycle and job outcome events to interested subscribers.
//
// The pool manager publishes pool and worker transitions; the lifecycle
// manager subscribes and persists them to the workers_events journal so a
// session can be reconstructed after the fact. Subscribers with full
// buffers are skipped rather than blocking the publisher.
package events
