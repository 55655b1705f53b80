// Package artifact builds and publishes the container images licdata runs
// on, driven by events.
//
// Two sagas make up the service:
//
//   - produce-image answers ImageRequested with ImageAvailable or ImageFailed.
//   - publish-image answers ImagePushRequested by building the image,
//     obtaining a registry credential and pushing the image, ending in
//     ImagePushed or ImagePushFailed.
//
// When a push request does not carry a credential, publish-image emits
// CredentialRequested and suspends until a CredentialProvided event that
// follows it arrives. Every event carries the ids of the events it follows,
// so responses find their saga without any shared session state.
//
// # Engine
//
// The Engine records every accepted event in a per-saga history, keeps the
// saga's state between invocations and exposes:
//
//   - Dispatch, which routes inbound events by kind
//   - History, GetSaga and ListSagas for inspection
//   - Cancel and ExpireOverdue to end sagas that wait too long
//   - RecoverInterrupted to fail sagas a crash left half resumed
//
// Engines can be backed by different storage systems:
//
//   - In-memory (non-durable, best for tests)
//   - SQLite (embedded durability)
//   - Postgres
//   - Redis
//   - MongoDB
//
// # Workers
//
// A Worker consumes inbound events from a queue, dispatches them and hands
// the produced events to a Publisher. LocalRunner runs a pool of workers over
// an in-memory queue together with the expiry sweep; NewSQLiteBundle pairs a
// SQLite engine with a durable SQLite queue.
//
// # Observability
//
// Observers receive saga lifecycle callbacks. LoggingObserver writes them to
// a *slog.Logger, BasicMetrics counts them, and NewCompositeObserver fans out
// to several.
package artifact
