package cobase

import "time"

// Options configures the batcher, indexer and cache, following the
// teacher's Options/SetDefaults pattern (chotki.Options, chotki.go).
type Options struct {
	// BatchCommitDelay is the write batcher's coalescing timer (spec 4.E
	// step 1, default 20ms).
	BatchCommitDelay time.Duration
	// BatchMaxOps flushes a batch immediately once it holds more than this
	// many operations (spec 4.E step 4, default 100).
	BatchMaxOps int
	// BatchMaxBytes flushes a batch immediately once its cumulative value
	// byte count exceeds this (spec 4.E step 4, default 100000).
	BatchMaxBytes int

	// MaxInFlightLoads bounds get-by-ids' concurrency (spec 4.D, default 100).
	MaxInFlightLoads int

	// IndexConcurrency bounds how many index entries are processed at once
	// (spec 4.H MAX_CONCURRENCY, default 15).
	IndexConcurrency int
	// IndexNiceness is the voluntary sleep between index-processing passes
	// (spec 4.H / glossary "niceness", default 150ms).
	IndexNiceness time.Duration
	// IndexEnqueueDelay is the delay before a newly queued index request is
	// first processed (spec 4.H enqueue step, default 150ms).
	IndexEnqueueDelay time.Duration
	// IndexRepairInterval is the cadence of the supplemented repair sweep
	// (SPEC_FULL §6, default 1s, mirroring the teacher's CheckReindexTasks).
	IndexRepairInterval time.Duration

	// CacheCapacityBytes caps the process-wide expiration strategy.
	CacheCapacityBytes int64
}

func (o *Options) SetDefaults() {
	if o.BatchCommitDelay == 0 {
		o.BatchCommitDelay = 20 * time.Millisecond
	}
	if o.BatchMaxOps == 0 {
		o.BatchMaxOps = 100
	}
	if o.BatchMaxBytes == 0 {
		o.BatchMaxBytes = 100_000
	}
	if o.MaxInFlightLoads == 0 {
		o.MaxInFlightLoads = 100
	}
	if o.IndexConcurrency == 0 {
		o.IndexConcurrency = 15
	}
	if o.IndexNiceness == 0 {
		o.IndexNiceness = 150 * time.Millisecond
	}
	if o.IndexEnqueueDelay == 0 {
		o.IndexEnqueueDelay = 150 * time.Millisecond
	}
	if o.IndexRepairInterval == 0 {
		o.IndexRepairInterval = 1 * time.Second
	}
	if o.CacheCapacityBytes == 0 {
		o.CacheCapacityBytes = 1 << 28 // 256MiB
	}
}
