// Package connection talks to the admin HTTP API of a meshtopo-server.
//
// Responses arrive in the server's envelope ({code, message, data, ...});
// Do unwraps data into the caller's type and turns error envelopes into
// *APIError.
package connection
