// Package router decodes feed frames and dispatches them to the registry
// service on behalf of the feed connection that sent them.
//
// Each feed connection is a source. Accept assigns it an id; Close withdraws
// every book quote it contributed. GrowableBuffer is the queue used for
// subscriber outboxes.
package router
