// Package audit records security-relevant activity: WebSocket
// authentication and disconnects, API key rotation and activation, and
// task triggers.
//
// Callers use Recorder, which logs each entry immediately and persists it
// to the audit_logs table in the background so that a slow database
// never stalls a connection.
package audit
