// Package device defines the BLE capability consumed by device sessions:
// a Transport that locates and dials peers, the Link it returns, the
// Observation delivered for each advertisement, and the connection error
// taxonomy shared by every transport implementation.
package device
