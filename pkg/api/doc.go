// Package api contains the core types shared by the licdata-artifact saga
// engine, its workflows and its adapters.
//
// Most users interact with the root artifact package, which re-exports
// selected types and constructors from this package. The api package is the
// place to look when writing a custom collaborator, store or observer.
//
// # Events
//
// An Event is an immutable, correlated record. Its PreviousEventIDs list the
// events it follows, transitively: creating an event from parents with
// NewEvent copies each parent's id and the parent's own previous ids. The
// payload is one of a closed set of structs, one per Kind.
//
// Inbound kinds (ImageRequested, ImagePushRequested, CredentialProvided) are
// consumed from the transport. Every other kind is produced by the engine.
//
// # Sagas
//
// A Saga is the serializable state of one workflow instance:
//
//	IDLE -> AWAITING_INPUT -> RESUMED -> SUCCEEDED | FAILED
//
// A Workflow drives a saga through a FlowContext: it emits events, awaits an
// inbound kind, and finally succeeds or fails. Suspension is just a return;
// the engine persists the saga and resumes it later, possibly in another
// process, by recovering the awaited context from the saga's history.
//
// # Collaborators
//
// ImageBuilder and ImagePusher are the boundary to container tooling.
// Publisher is the outbound sink for produced events.
//
// # Observability
//
// Observer receives saga lifecycle callbacks. LoggingObserver, BasicMetrics
// and NewCompositeObserver cover the common cases.
package api
