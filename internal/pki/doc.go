// Package pki mints the certificates used to intercept TLS: a leaf per
// upstream host, signed by a CA the operator installs in their clients.
package pki
