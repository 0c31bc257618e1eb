/*
Package storage persists control-plane state in BoltDB.

One bucket per entity (models, identities, api_keys, usage, config_kv)
with JSON values. Model and identity ids come from bucket sequences;
usage rows are keyed by sequence and listed newest-first. The store is
the durability boundary: everything the gateway must remember across a
restart lives here, including the routing snapshot under config_kv.
*/
package storage
