// Package device holds the shared Bluetooth model used by every btlink component.
//
// It defines:
//   - The peripheral, bond and link status types
//   - Result[T], the single-shot outcome of asynchronous operations
//   - The error taxonomy (connection failed, pairing failed, cancelled)
//   - The contracts a platform backend implements (registry, stream and attribute channels,
//     discovery, bonding and adapter monitoring)
package device
