// Package internal provides CSPRNG-backed identifier and secret primitives
// shared by the goShield root package and its subpackages.
//
// # What this package must NOT do
//
//   - Touch Redis or any other external store.
//   - Be imported outside the goShield module.
package internal
