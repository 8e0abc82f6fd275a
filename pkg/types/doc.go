/*
Package types defines the core entities shared across benchd components:
containers, execs, attachments, and the error taxonomy surfaced to clients.

Entities are plain structs; all mutation goes through the owning manager
(the container manager for containers, the exec manager for execs). The
store is the source of truth for durable fields, with the engine view
reconciled into it.

Errors carry the identifier that caused the failure and map 1:1 to the
stable categories clients see. Each has an errors.As helper:

	if types.IsContainerNotFound(err) {
		// 404
	}

RuntimeError wraps the underlying engine error so logs keep the original
cause while clients see a stable category.
*/
package types
