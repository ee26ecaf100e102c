// Package livesync implements the campaign live-sync broadcaster.
//
// One coordinator per campaign caches shared session state and character
// summaries in memory, numbers every accepted mutation with a monotonic
// version and fans the result out to every open WebSocket. The durable store
// stays the system of record: the cache is rebuilt from write-path
// notifications and can be dropped at any time.
package livesync
