// Package worker drives the saga engine from a task queue.
//
// A Worker dequeues inbound events (ImageRequested, ImagePushRequested,
// CredentialProvided), dispatches them to an api.Engine and hands the events
// the engine produced to an api.Publisher. Dispatches that fail for a
// transient reason, such as a store outage, are re-enqueued with exponential
// backoff; protocol violations and invalid events are reported once and
// dropped.
//
// Several workers may share one queue. The engine serializes work per saga,
// so concurrent deliveries for the same saga are safe.
package worker
