/*
Package registry is the authoritative map from served name to upstream
pool.

The lifecycle manager owns the entries: an upstream is added when its
model reaches running and removed when it leaves. All entries of a pool
must serve one task; mixing generate and embed behind one name is
rejected at registration.

Every mutation is written through to the persistence store as a JSON
snapshot, so a restarted gateway reboots with the routing plane it had.
Snapshot write failures are logged and never surfaced; routing keeps
working from memory.
*/
package registry
