/*
Package ipc defines the vocabulary shared by both ends of the typed RPC bridge.

An API is described once as a Namespace tree. Each leaf is an explicit tagged
variant: Invoke for request/response methods and Event for subscribable push
channels. Flattening the tree yields dotted channel names such as
"theme.getTheme" or "theme.on.updated".

# Sides

The privileged side (package registry) binds every flattened channel to a
handler and serves requests arriving from any Transport. The caller side
(package client) builds an immutable API from the same description and talks
to the privileged side through a Transport.

# Event protocol

Event channels reuse their own name as an invoke channel with a single boolean
argument: true registers the caller, false releases it. Pushed payloads travel
on the companion response channel returned by ResponseChannel:

	theme.on.updated          register / unregister (invoke, bool)
	theme.on.updated::response  pushed data

The caller attaches its local listener on the response channel before sending
the register request, so no pushed value can be missed.

# Errors

Handler failures cross the boundary as *RemoteError values carrying only a
message. Panics are recovered; values that are not errors become
"Unknown error occurred".

# Trees

Tree is a read-only nested map used for built APIs. Merge combines two trees,
recursing only into nested maps and letting the second tree win every other
conflict.
*/
package ipc
