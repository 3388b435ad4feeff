// Package privval implements the file-backed private validator: key
// storage plus a last-signed-state guard against double voting or
// double proposing within one epoch.
//
// This is the default implementation of the Crypto signing
// collaborator spec.md section 6 treats as external; the actual
// sign/verify primitives live in package types, this package adds
// the durable double-sign guard around them.
package privval
