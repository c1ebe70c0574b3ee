// Package backend defines the notebook execution engine interface, the
// options a host passes when it runs a notebook, and the registry engines
// are looked up in by name.
package backend
