package transport

import (
	"sync/atomic"
	"time"
)

// Statistics tracks reassembly metrics for one or more reassemblers.
// All methods are safe for concurrent use.
type Statistics struct {
	// Segment counts
	RxSegments uint64

	// Message counts
	RxMessages uint64

	// Chunks that were not DNP3 or carried no user data
	PassedThrough uint64
	Unsupported   uint64

	// Anomaly counts
	MalformedLengths uint64
	MissingFirst     uint64
	Incomplete       uint64
	TooLarge         uint64
	SequenceErrors   uint64
	DiscardedOnGap   uint64
	DiscardedOnEOF   uint64

	lastRxTimeNano int64
}

// NewStatistics creates a new statistics tracker
func NewStatistics() *Statistics {
	return &Statistics{}
}

// IncrementRxSegments increments received segment count
func (s *Statistics) IncrementRxSegments() {
	atomic.AddUint64(&s.RxSegments, 1)
}

// IncrementRxMessages increments reassembled message count
func (s *Statistics) IncrementRxMessages() {
	atomic.AddUint64(&s.RxMessages, 1)
	atomic.StoreInt64(&s.lastRxTimeNano, time.Now().UnixNano())
}

// IncrementPassedThrough increments the count of non-DNP3 chunks
func (s *Statistics) IncrementPassedThrough() {
	atomic.AddUint64(&s.PassedThrough, 1)
}

// IncrementUnsupported increments the count of frames without user data
func (s *Statistics) IncrementUnsupported() {
	atomic.AddUint64(&s.Unsupported, 1)
}

// recordAnomaly increments the counter matching err
func (s *Statistics) recordAnomaly(err error) {
	switch err {
	case ErrMalformedSegmentLength:
		atomic.AddUint64(&s.MalformedLengths, 1)
	case ErrMissingFirstSegment:
		atomic.AddUint64(&s.MissingFirst, 1)
	case ErrIncompleteMessage:
		atomic.AddUint64(&s.Incomplete, 1)
	case ErrMessageTooLarge:
		atomic.AddUint64(&s.TooLarge, 1)
	case ErrInvalidSequence:
		atomic.AddUint64(&s.SequenceErrors, 1)
	case ErrStreamGap:
		atomic.AddUint64(&s.DiscardedOnGap, 1)
	case ErrEndOfFlow:
		atomic.AddUint64(&s.DiscardedOnEOF, 1)
	}
}

// GetRxSegments returns received segment count
func (s *Statistics) GetRxSegments() uint64 {
	return atomic.LoadUint64(&s.RxSegments)
}

// GetRxMessages returns reassembled message count
func (s *Statistics) GetRxMessages() uint64 {
	return atomic.LoadUint64(&s.RxMessages)
}

// GetPassedThrough returns the count of non-DNP3 chunks
func (s *Statistics) GetPassedThrough() uint64 {
	return atomic.LoadUint64(&s.PassedThrough)
}

// GetUnsupported returns the count of frames without user data
func (s *Statistics) GetUnsupported() uint64 {
	return atomic.LoadUint64(&s.Unsupported)
}

// GetMalformedLengths returns the count of segments with a bad length
func (s *Statistics) GetMalformedLengths() uint64 {
	return atomic.LoadUint64(&s.MalformedLengths)
}

// GetMissingFirst returns the count of segments seen without a first segment
func (s *Statistics) GetMissingFirst() uint64 {
	return atomic.LoadUint64(&s.MissingFirst)
}

// GetIncomplete returns the count of messages abandoned by a new first segment
func (s *Statistics) GetIncomplete() uint64 {
	return atomic.LoadUint64(&s.Incomplete)
}

// GetTooLarge returns the count of oversized messages
func (s *Statistics) GetTooLarge() uint64 {
	return atomic.LoadUint64(&s.TooLarge)
}

// GetSequenceErrors returns sequence error count
func (s *Statistics) GetSequenceErrors() uint64 {
	return atomic.LoadUint64(&s.SequenceErrors)
}

// GetDiscardedOnGap returns the count of messages lost to stream gaps
func (s *Statistics) GetDiscardedOnGap() uint64 {
	return atomic.LoadUint64(&s.DiscardedOnGap)
}

// GetDiscardedOnEOF returns the count of messages cut off by end of flow
func (s *Statistics) GetDiscardedOnEOF() uint64 {
	return atomic.LoadUint64(&s.DiscardedOnEOF)
}

// GetAnomalies returns the sum of all anomaly counters
func (s *Statistics) GetAnomalies() uint64 {
	return s.GetMalformedLengths() + s.GetMissingFirst() + s.GetIncomplete() +
		s.GetTooLarge() + s.GetSequenceErrors() + s.GetDiscardedOnGap() + s.GetDiscardedOnEOF()
}

// GetLastRxTime returns the time the last message was reassembled
func (s *Statistics) GetLastRxTime() time.Time {
	nano := atomic.LoadInt64(&s.lastRxTimeNano)
	if nano == 0 {
		return time.Time{}
	}
	return time.Unix(0, nano)
}

// Reset resets all statistics to zero
func (s *Statistics) Reset() {
	atomic.StoreUint64(&s.RxSegments, 0)
	atomic.StoreUint64(&s.RxMessages, 0)
	atomic.StoreUint64(&s.PassedThrough, 0)
	atomic.StoreUint64(&s.Unsupported, 0)
	atomic.StoreUint64(&s.MalformedLengths, 0)
	atomic.StoreUint64(&s.MissingFirst, 0)
	atomic.StoreUint64(&s.Incomplete, 0)
	atomic.StoreUint64(&s.TooLarge, 0)
	atomic.StoreUint64(&s.SequenceErrors, 0)
	atomic.StoreUint64(&s.DiscardedOnGap, 0)
	atomic.StoreUint64(&s.DiscardedOnEOF, 0)
	atomic.StoreInt64(&s.lastRxTimeNano, 0)
}
