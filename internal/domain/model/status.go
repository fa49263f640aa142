package model

import "errors"

// Status represents the transcoding state of an asset as seen by
// collaborators that want to mutate it.
type Status string

const (
	StatusProcessing Status = "PROCESSING"
	StatusFinished   Status = "FINISHED"
)

// statusPredecessors lists, for each target status, the stored statuses a
// write may replace. The empty status stands for "no row".
//
//	(none) -> PROCESSING -> FINISHED
//	FINISHED -> PROCESSING   (source replaced, re-encode)
var statusPredecessors = map[Status][]Status{
	StatusProcessing: {"", StatusProcessing, StatusFinished},
	StatusFinished:   {StatusProcessing, StatusFinished},
}

var ErrInvalidStatus = errors.New("invalid transcoding status")

func (s Status) IsValid() bool {
	switch s {
	case StatusProcessing, StatusFinished:
		return true
	default:
		return false
	}
}

// AllowedFrom reports the stored statuses that may be overwritten by s.
func (s Status) AllowedFrom() []Status {
	return statusPredecessors[s]
}

// CanTransitionFrom reports whether a row currently at prev may be set to s.
func (s Status) CanTransitionFrom(prev Status) bool {
	for _, allowed := range statusPredecessors[s] {
		if allowed == prev {
			return true
		}
	}
	return false
}

// IsProcessing returns true while renditions are still being produced.
func (s Status) IsProcessing() bool {
	return s == StatusProcessing
}

func (s Status) String() string {
	return string(s)
}
