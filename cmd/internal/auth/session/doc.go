// Package session coordinates multi-device sessions for signalhub.
//
// A session is created after an external login and stays active until it is
// revoked, expires, or is swept up by a coordinated invalidation. Each session
// carries a version number; access credentials embed the version they were
// minted against and are rejected once the session moves past it.
//
// Invalidations can run immediately (Revoke, InvalidateAll, device cascade) or
// be scheduled: a pending invalidation warns connected clients and executes
// when due unless it is canceled first. Execute and cancel are serialized in
// the store so exactly one of them applies.
package session
