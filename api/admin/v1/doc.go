// Package adminv1 defines the JSON documents of the admin HTTP API.
//
// The server encodes them inside the standard response envelope and the
// CLI decodes them from it.
package adminv1
