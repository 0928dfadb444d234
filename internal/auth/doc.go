// Package auth implements API-key credentials for Keyrelay.
//
// Every account owns one key derived from its ID and a random seed:
//
//	key = "ak_" + upper(hex(md5(id + seed)))[:32]
//
// The key is a pure function of (id, seed). The users.api_key column is a
// lookup index rewritten whenever the seed changes; on read the key is
// recomputed and compared in constant time. Regenerating a key replaces
// the seed, so the previous key stops working immediately.
//
// Authenticator is the single entry point used by both the REST
// middleware (X-API-Key header) and the WebSocket handshake. All
// rejection reasons collapse to ErrInvalidAPIKey.
package auth
