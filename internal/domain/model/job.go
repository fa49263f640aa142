package model

import (
	"errors"
	"math"
	"math/bits"
	"time"

	"github.com/google/uuid"
)

// JobState is the orchestrator's persisted execution state for an asset.
type JobState string

const (
	JobStatePending   JobState = "PENDING"
	JobStateRunning   JobState = "RUNNING"
	JobStateRetrying  JobState = "RETRYING"
	JobStateSucceeded JobState = "SUCCEEDED"
	JobStateFailed    JobState = "FAILED"
)

// Valid job transitions:
// PENDING -> RUNNING -> SUCCEEDED
//               |  \-> RETRYING -> RUNNING
//               \----------------\-> FAILED
var validJobTransitions = map[JobState][]JobState{
	JobStatePending:   {JobStateRunning, JobStateFailed},
	JobStateRunning:   {JobStateSucceeded, JobStateRetrying, JobStateFailed},
	JobStateRetrying:  {JobStateRunning, JobStateFailed},
	JobStateSucceeded: {},
	JobStateFailed:    {},
}

var ErrInvalidJobTransition = errors.New("invalid job state transition")

func (s JobState) IsValid() bool {
	_, ok := validJobTransitions[s]
	return ok
}

func (s JobState) CanTransitionTo(next JobState) bool {
	for _, allowed := range validJobTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// IsTerminal returns true once no further attempt will be made.
func (s JobState) IsTerminal() bool {
	return s == JobStateSucceeded || s == JobStateFailed
}

func (s JobState) String() string {
	return string(s)
}

// PlaylistBranch is the join-result name of the playlist composer.
const PlaylistBranch = "playlist"

// maxBranches bounds the ladder so the completion set fits a BIGINT column.
// The top bit is reserved for the playlist branch.
const maxBranches = 63

// BranchSet is a bitmap of completed branches: bit i is rendition i of the
// ladder, the top bit is the playlist branch.
type BranchSet uint64

const playlistBit = BranchSet(1) << maxBranches

func (b BranchSet) WithRendition(i int) BranchSet {
	return b | BranchSet(1)<<uint(i)
}

func (b BranchSet) HasRendition(i int) bool {
	return b&(BranchSet(1)<<uint(i)) != 0
}

func (b BranchSet) WithPlaylist() BranchSet {
	return b | playlistBit
}

func (b BranchSet) HasPlaylist() bool {
	return b&playlistBit != 0
}

// Count returns the number of completed branches.
func (b BranchSet) Count() int {
	return bits.OnesCount64(uint64(b))
}

// Complete reports whether every rendition of a ladder of size n and the
// playlist branch have finished.
func (b BranchSet) Complete(n int) bool {
	for i := 0; i < n; i++ {
		if !b.HasRendition(i) {
			return false
		}
	}
	return b.HasPlaylist()
}

// Job is the persisted execution record of a transcoding job. There is at
// most one record per asset; ExecutionID changes each time a new execution
// is admitted for the asset.
type Job struct {
	AssetID           string
	ExecutionID       uuid.UUID
	SourceKey         string
	State             JobState
	Attempt           int
	CompletedBranches BranchSet
	LastError         string
	SubmittedAt       time.Time
	UpdatedAt         time.Time

	// Version is bumped by every successful update and guards against a
	// worker overwriting a record another worker has since claimed.
	Version int64
}

// NewJob creates a PENDING record for a newly admitted execution.
func NewJob(job TranscodingJob) *Job {
	now := time.Now()
	submitted := job.SubmittedAt
	if submitted.IsZero() {
		submitted = now
	}
	return &Job{
		AssetID:     job.AssetID,
		ExecutionID: uuid.New(),
		SourceKey:   job.SourceKey,
		State:       JobStatePending,
		SubmittedAt: submitted,
		UpdatedAt:   now,
	}
}

// TransitionTo attempts to change the job state.
func (j *Job) TransitionTo(next JobState) error {
	if !j.State.CanTransitionTo(next) {
		return ErrInvalidJobTransition
	}
	j.State = next
	j.UpdatedAt = time.Now()
	return nil
}

// Accepts reports whether a message for attempt may run against the
// record. A RETRYING job only takes a later attempt than the one that
// failed. A RUNNING job is reclaimed by a redelivery of its own attempt or
// a later one: the worker that started it is gone or has lost its claim.
func (j *Job) Accepts(attempt int) bool {
	switch j.State {
	case JobStatePending:
		return true
	case JobStateRetrying:
		return attempt > j.Attempt
	case JobStateRunning:
		return attempt >= j.Attempt
	default:
		return false
	}
}

// StartAttempt moves the job to RUNNING for the given attempt and clears the
// completion set; a retried or reclaimed group re-runs every branch.
func (j *Job) StartAttempt(attempt int) error {
	if !j.Accepts(attempt) {
		return ErrInvalidJobTransition
	}
	j.State = JobStateRunning
	j.UpdatedAt = time.Now()
	j.Attempt = attempt
	j.CompletedBranches = 0
	j.LastError = ""
	return nil
}

// RetryPolicy governs how often the parallel group is re-run.
type RetryPolicy struct {
	MaxAttempts     int
	InitialInterval time.Duration
	BackoffRate     float64
	MaxInterval     time.Duration
}

// DefaultRetryPolicy returns three attempts with exponential backoff.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:     3,
		InitialInterval: 5 * time.Second,
		BackoffRate:     2.0,
		MaxInterval:     5 * time.Minute,
	}
}

// Backoff returns the delay before the given (zero-based) retry attempt.
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	if attempt <= 0 || p.InitialInterval <= 0 {
		return 0
	}
	rate := p.BackoffRate
	if rate < 1 {
		rate = 1
	}
	d := float64(p.InitialInterval) * math.Pow(rate, float64(attempt-1))
	if p.MaxInterval > 0 && d > float64(p.MaxInterval) {
		return p.MaxInterval
	}
	return time.Duration(d)
}

// Exhausted reports whether no attempt numbered attempt may run.
func (p RetryPolicy) Exhausted(attempt int) bool {
	return attempt >= p.MaxAttempts
}

// BranchResult is the payload one parallel branch hands to the join.
type BranchResult struct {
	Branch  string
	AssetID string
	Keys    []string
}

// JoinResult maps branch name to its payload.
type JoinResult map[string]BranchResult

// AssetID returns the asset the join belongs to, preferring the playlist
// branch's payload.
func (r JoinResult) AssetID() string {
	if res, ok := r[PlaylistBranch]; ok && res.AssetID != "" {
		return res.AssetID
	}
	for _, res := range r {
		if res.AssetID != "" {
			return res.AssetID
		}
	}
	return ""
}
