// Package core defines the shared language of the dashboard engine.
//
// This package contains:
//   - Query inputs and outputs exchanged with the resolver and data connections
//   - Result sets (columns and rows) attached to dashboard items
//   - Adapter configuration for data connections
//   - Typed errors shared between the executor and the query service
//
// The Golden Rule: pkg/core imports ONLY stdlib.
// All other packages depend on core, not the reverse.
package core
