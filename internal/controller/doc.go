// Package controller joins the device communication core together.
//
// Inbound, it decodes stream messages into frames and routes them: write
// echoes go to the dispatcher as acknowledgements, read responses are
// interpreted through the device's register map and applied to the state
// store.
//
// Outbound, Write turns a field name and value into a validated write
// frame:
//
//	field -> register map -> raw word -> safety validator -> codec -> dispatcher
//
// A value that fails any step never becomes a frame. Every write attempt,
// rejected or not, is recorded in the command audit log.
package controller
