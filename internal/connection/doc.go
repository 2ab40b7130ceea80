// Package connection implements the WebSocket transports around the
// registry service.
//
//   - FeedServer accepts feed connections; each one is a router source
//   - ClientServer serves the JSON client protocol over service sessions
//   - Client and Manager dial out, used by feed simulators and tools
//
// Servers ping their peers and drop connections that stop answering.
// Manager reconnects failed feed connections with exponential backoff.
package connection
