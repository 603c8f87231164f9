package checkpoint

import "time"

// Policy decides when the consumer commits a checkpoint. Committing after
// every record minimizes redelivery on restart; batching trades replay
// volume for checkpoint-write overhead.
type Policy interface {
	// ShouldCommit reports whether to commit now, given the records
	// processed and time elapsed since the last commit.
	ShouldCommit(recordsSinceCommit int, sinceLastCommit time.Duration) bool
}

// EveryRecord commits after every successfully sunk record. This is the
// default for the telemetry path: with idempotent writes the extra
// checkpoint traffic buys minimal redelivery.
type EveryRecord struct{}

// ShouldCommit always reports true.
func (EveryRecord) ShouldCommit(int, time.Duration) bool { return true }

// Batched commits after MaxRecords records or MaxInterval elapsed time,
// whichever comes first. Zero values disable that trigger.
type Batched struct {
	MaxRecords  int
	MaxInterval time.Duration
}

// ShouldCommit reports whether either batching trigger fired.
func (b Batched) ShouldCommit(recordsSinceCommit int, sinceLastCommit time.Duration) bool {
	if b.MaxRecords > 0 && recordsSinceCommit >= b.MaxRecords {
		return true
	}
	if b.MaxInterval > 0 && sinceLastCommit >= b.MaxInterval {
		return true
	}
	return false
}
