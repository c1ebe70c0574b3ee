// Package kernel defines the Jupyter messaging types the executor exchanges
// with a running kernel, the Client interface transports implement, and the
// wire encoding (connection files, HMAC signing, multipart framing) shared by
// the ZeroMQ transport.
package kernel
