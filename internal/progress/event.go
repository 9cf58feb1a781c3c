package progress

import (
	"errors"
	"fmt"
	"time"
)

// Stage denotes the type of milestone represented by an Event.
type Stage string

// Supported progress stages.
const (
	StageBatchStart       Stage = "BATCH_START"
	StageBatchHB          Stage = "BATCH_HEARTBEAT"
	StageBatchDone        Stage = "BATCH_DONE"
	StageBatchError       Stage = "BATCH_ERROR"
	StageFetchStart       Stage = "FETCH_START"
	StageFetchDone        Stage = "FETCH_DONE"
	StageHostUnreachable  Stage = "HOST_UNREACHABLE"
	StageHostRecovered    Stage = "HOST_RECOVERED"
	StageScheduleDecision Stage = "SCHEDULE_DECISION"
)

// StatusClass is a coarse HTTP response grouping.
type StatusClass string

// Supported HTTP status classes tracked for fetch completions.
const (
	Status2xx   StatusClass = "2xx"
	Status3xx   StatusClass = "3xx"
	Status4xx   StatusClass = "4xx"
	Status5xx   StatusClass = "5xx"
	StatusOther StatusClass = "other"
)

// Event captures a single scheduling or fetch milestone.
type Event struct {
	// BatchID identifies the crawl batch. Host-level stages are process wide
	// and leave it empty.
	BatchID string
	// TS is the UTC timestamp recorded by the emitter.
	TS time.Time
	// Stage denotes which milestone occurred.
	Stage Stage
	// Site scopes fetch and host events to a host label.
	Site string
	// URL is the optional page URL; it should not contain credentials.
	URL string
	// Bytes carries the response size for the fetch.
	Bytes int64
	// Visits increments by one for each successful page completion.
	Visits int64
	// StatusClass groups HTTP response codes (2xx, 3xx, etc).
	StatusClass StatusClass
	// Dur captures fetch latency or batch runtime.
	Dur time.Duration
	// Strategy names the re-fetch schedule behind a SCHEDULE_DECISION.
	Strategy string
	// Decision is the outcome of a SCHEDULE_DECISION (e.g. "stale", "inactive").
	Decision string
	// Note lets emitters attach low-volume debug context (e.g. error text).
	Note string
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Stage {
	case StageBatchStart, StageBatchHB, StageBatchDone, StageBatchError:
		if e.BatchID == "" {
			return errors.New("batch stages require batch id")
		}
	case StageFetchStart:
		if e.Site == "" {
			return errors.New("fetch start requires site")
		}
	case StageFetchDone:
		if e.Site == "" {
			return errors.New("fetch done requires site")
		}
		if e.StatusClass == "" {
			return errors.New("fetch done requires status class")
		}
	case StageHostUnreachable, StageHostRecovered:
		if e.Site == "" {
			return errors.New("host stages require site")
		}
	case StageScheduleDecision:
		if e.Strategy == "" || e.Decision == "" {
			return errors.New("schedule decision requires strategy and decision")
		}
	default:
		return fmt.Errorf("unknown stage %q", e.Stage)
	}
	if e.Dur < 0 {
		return errors.New("duration must be >= 0")
	}
	return nil
}

// ClassifyStatus groups HTTP status codes for fetch events.
func ClassifyStatus(code int) StatusClass {
	switch {
	case code >= 200 && code < 300:
		return Status2xx
	case code >= 300 && code < 400:
		return Status3xx
	case code >= 400 && code < 500:
		return Status4xx
	case code >= 500 && code < 600:
		return Status5xx
	default:
		return StatusOther
	}
}
