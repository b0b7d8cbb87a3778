// Package keys manages the signing material for matrix run reports.
//
// Seeds are stored as hex files on the local filesystem, one directory per
// signer. Role keys are derived deterministically from a root seed, so a lab
// can hand each harness team its own signing identity and recreate any of
// them later from the root alone.
package keys
