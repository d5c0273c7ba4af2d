// Package relay connects external subscribers to their tenant's activity.
//
// Each subscriber connection is a Conn carrying the user id, project id and
// any bound terminal session. On Connect, if the tenant already has a
// running instance, the worker's state stream is forwarded as task-update
// messages. Inbound messages create terminals, feed them input, and
// broadcast file changes to the other connections on the same project.
//
// Everything a Conn subscribes to is released by Disconnect, including the
// state stream and any terminal the connection created.
//
// WebSocketHandler serves the relay at /ws using gorilla/websocket with one
// writer goroutine per connection.
package relay
