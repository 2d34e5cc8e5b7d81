// Package device is the read side of the tracked-device inventory.
//
// Devices are created and edited by the administrative system. The presence
// engine resolves RFID tags here (FindByTag), the sweep lists devices that
// are TemporarilyOut, and the dashboard accessors list and count devices.
//
// Status, location and change time are only ever written by a conditional
// transition in the audit store, so this package exposes no writes.
package device
