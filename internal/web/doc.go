// Package web holds the built-in routes of the local web server: a proxy
// auto-config file and a WebSocket echo endpoint.
package web
