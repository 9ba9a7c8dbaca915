// Package notify fans out text notifications to every live client.
//
// A Hub owns the set of connected clients. WSGateway attaches websocket
// sessions to a Hub; anything else that can deliver text (tests, other
// transports) plugs in through Sender.
package notify
