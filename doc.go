// Package firmware is the root of a battery-powered UHF RFID sensor node:
// it scans for RFID tags, deduplicates their IDs, and forwards them over a
// low-power wireless mesh to a manager. See cmd/rfidnode for the entry
// point and the package-level docs under clock, uartring, rfidsession,
// motesession, scanloop, and statusleds for the individual subsystems.
package firmware
