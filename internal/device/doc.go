// Package device keeps the authoritative registry of GPU devices: their latest
// telemetry, scheduling status and reservation ownership.
//
// A task first takes an exclusive reservation (Reserve), then converts it into
// one of MaxConcurrentPerDevice occupancy slots (Activate). A device reports
// BUSY only while all slots are taken. Release gives back either form of claim.
// Health checks run on their own loop and demote or restore devices without
// touching reservations.
package device
