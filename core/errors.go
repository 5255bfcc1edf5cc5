package core

import "fmt"

// ErrorClass is one of six propagation classes every component-level error
// maps to at the supervisor boundary; none of them cross a task boundary
// as a panic.
type ErrorClass uint8

const (
	ClassTransientIO ErrorClass = iota
	ClassIntegrity
	ClassProtocol
	ClassResource
	ClassConfiguration
	ClassFatal
)

func (c ErrorClass) String() string {
	switch c {
	case ClassTransientIO:
		return "transient_io"
	case ClassIntegrity:
		return "integrity"
	case ClassProtocol:
		return "protocol"
	case ClassResource:
		return "resource"
	case ClassConfiguration:
		return "configuration"
	case ClassFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// ClassifiedError is satisfied by every component error kind so the
// supervisor can map it onto one of the six ErrorClass values without
// inspecting component-specific types.
type ClassifiedError interface {
	error
	Class() ErrorClass
}

// FetchErrorKind enumerates SourceFetcher failure kinds.
type FetchErrorKind uint8

const (
	FetchNoFetchers FetchErrorKind = iota
	FetchDownloadFailed
	FetchHashMismatch
	FetchArchiveTooLarge
	FetchNoMatchingBinary
	FetchMissingIpfsGateway
)

func (k FetchErrorKind) String() string {
	switch k {
	case FetchNoFetchers:
		return "no_fetchers"
	case FetchDownloadFailed:
		return "download_failed"
	case FetchHashMismatch:
		return "hash_mismatch"
	case FetchArchiveTooLarge:
		return "archive_too_large"
	case FetchNoMatchingBinary:
		return "no_matching_binary"
	case FetchMissingIpfsGateway:
		return "missing_ipfs_gateway"
	default:
		return "unknown"
	}
}

// FetchError is returned by SourceFetcher.Fetch and its per-source helpers.
type FetchError struct {
	Kind FetchErrorKind
	Msg  string
	Err  error
}

func (e *FetchError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *FetchError) Unwrap() error { return e.Err }

// Class implements ClassifiedError.
func (e *FetchError) Class() ErrorClass {
	switch e.Kind {
	case FetchDownloadFailed:
		return ClassTransientIO
	case FetchHashMismatch:
		return ClassIntegrity
	case FetchArchiveTooLarge:
		return ClassResource
	case FetchMissingIpfsGateway, FetchNoMatchingBinary, FetchNoFetchers:
		return ClassConfiguration
	default:
		return ClassConfiguration
	}
}

func newFetchErr(kind FetchErrorKind, msg string, err error) *FetchError {
	return &FetchError{Kind: kind, Msg: msg, Err: err}
}

// RouterErrorKind enumerates JobRouter failure kinds.
type RouterErrorKind uint8

const (
	RouterUnknownJob RouterErrorKind = iota
	RouterHandlerError
	RouterBackpressured
	RouterCanceled
)

func (k RouterErrorKind) String() string {
	switch k {
	case RouterUnknownJob:
		return "unknown_job"
	case RouterHandlerError:
		return "handler_error"
	case RouterBackpressured:
		return "backpressured"
	case RouterCanceled:
		return "canceled"
	default:
		return "unknown"
	}
}

// RouterError is returned by JobRouter.Dispatch.
type RouterError struct {
	Kind   RouterErrorKind
	JobId  uint32
	Err    error
}

func (e *RouterError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("job %d: %s: %v", e.JobId, e.Kind, e.Err)
	}
	return fmt.Sprintf("job %d: %s", e.JobId, e.Kind)
}

func (e *RouterError) Unwrap() error { return e.Err }

// Class implements ClassifiedError.
func (e *RouterError) Class() ErrorClass {
	switch e.Kind {
	case RouterUnknownJob:
		return ClassProtocol
	case RouterHandlerError:
		return ClassProtocol
	case RouterBackpressured:
		return ClassResource
	case RouterCanceled:
		return ClassProtocol
	default:
		return ClassProtocol
	}
}

// AggregationErrorKind enumerates AggregationCoordinator failure kinds.
type AggregationErrorKind uint8

const (
	AggThresholdNotMet AggregationErrorKind = iota
	AggVerificationFailed
	AggDuplicateShare
	AggCoordinatorUnavailable
)

func (k AggregationErrorKind) String() string {
	switch k {
	case AggThresholdNotMet:
		return "threshold_not_met"
	case AggVerificationFailed:
		return "verification_failed"
	case AggDuplicateShare:
		return "duplicate_share"
	case AggCoordinatorUnavailable:
		return "coordinator_unavailable"
	default:
		return "unknown"
	}
}

// ThresholdNotMetError carries the stake observed vs. required.
type ThresholdNotMetError struct {
	Kind AggregationErrorKind
	Got  uint64
	Need uint64
	Err  error
}

func (e *ThresholdNotMetError) Error() string {
	if e.Kind == AggThresholdNotMet {
		return fmt.Sprintf("threshold not met: got %d need %d", e.Got, e.Need)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return e.Kind.String()
}

func (e *ThresholdNotMetError) Unwrap() error { return e.Err }

// Class implements ClassifiedError.
func (e *ThresholdNotMetError) Class() ErrorClass {
	switch e.Kind {
	case AggVerificationFailed:
		return ClassIntegrity
	case AggCoordinatorUnavailable:
		return ClassTransientIO
	default:
		return ClassProtocol
	}
}

// ProcessErrorKind enumerates ProcessSupervisor/BlueprintManager failure kinds.
type ProcessErrorKind uint8

const (
	ProcessSpawnFailed ProcessErrorKind = iota
	ProcessOOMKilled
	ProcessChannelClosed
)

func (k ProcessErrorKind) String() string {
	switch k {
	case ProcessSpawnFailed:
		return "spawn_failed"
	case ProcessOOMKilled:
		return "oom_killed"
	case ProcessChannelClosed:
		return "channel_closed"
	default:
		return "unknown"
	}
}

// ProcessError is returned by ProcessSupervisor operations.
type ProcessError struct {
	Kind ProcessErrorKind
	Err  error
}

func (e *ProcessError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return e.Kind.String()
}

func (e *ProcessError) Unwrap() error { return e.Err }

// Class implements ClassifiedError.
func (e *ProcessError) Class() ErrorClass {
	return ClassResource
}

// ChainErrorKind enumerates ChainEventProducer/ResultConsumer failure kinds.
type ChainErrorKind uint8

const (
	ChainTransientRPC ChainErrorKind = iota
	ChainMalformedEvent
	ChainRevert
	ChainPermanentlyUnreachable
)

func (k ChainErrorKind) String() string {
	switch k {
	case ChainTransientRPC:
		return "transient_rpc"
	case ChainMalformedEvent:
		return "malformed_event"
	case ChainRevert:
		return "revert"
	case ChainPermanentlyUnreachable:
		return "permanently_unreachable"
	default:
		return "unknown"
	}
}

// ChainError is returned by chain-facing components.
type ChainError struct {
	Kind ChainErrorKind
	Err  error
}

func (e *ChainError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return e.Kind.String()
}

func (e *ChainError) Unwrap() error { return e.Err }

// Class implements ClassifiedError.
func (e *ChainError) Class() ErrorClass {
	switch e.Kind {
	case ChainTransientRPC:
		return ClassTransientIO
	case ChainMalformedEvent:
		return ClassIntegrity
	case ChainRevert:
		return ClassProtocol
	case ChainPermanentlyUnreachable:
		return ClassFatal
	default:
		return ClassTransientIO
	}
}

// Classify maps any error satisfying ClassifiedError to its class, and
// falls back to ClassFatal for unrecognized error types reaching the
// supervisor boundary — an error that can't be classified is treated as
// the most conservative case.
func Classify(err error) ErrorClass {
	if err == nil {
		return ClassFatal
	}
	if ce, ok := err.(ClassifiedError); ok {
		return ce.Class()
	}
	return ClassFatal
}
