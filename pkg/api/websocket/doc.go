// Package websocket provides real-time run event streaming via WebSocket.
//
// Clients connect to /api/v1/runs/:id/ws to receive the run's job and step
// events. The server closes the stream after the run's terminal event.
package websocket
