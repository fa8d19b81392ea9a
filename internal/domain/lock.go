package domain

import (
	"errors"
	"fmt"
	"time"
)

// ErrInvalidLockTransition is returned for a generation lock edge that is not allowed.
var ErrInvalidLockTransition = errors.New("invalid generation lock transition")

// LockStatus is the state of downstream generation for a session.
type LockStatus string

const (
	LockNotStarted LockStatus = "NOT_STARTED"
	LockInProgress LockStatus = "IN_PROGRESS"
	LockComplete   LockStatus = "COMPLETE"
	LockFailed     LockStatus = "FAILED"
)

// GenerationLock guards the one-shot downstream generation of a session.
//
// Allowed edges: NOT_STARTED -> IN_PROGRESS -> {COMPLETE, FAILED} and
// FAILED -> IN_PROGRESS. Attempt counts IN_PROGRESS entries.
type GenerationLock struct {
	Status      LockStatus `json:"status"`
	Attempt     int        `json:"attempt,omitempty"`
	StartedAt   *time.Time `json:"startedAt,omitempty"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
	FailedAt    *time.Time `json:"failedAt,omitempty"`
	Error       string     `json:"error,omitempty"`
	ResultID    string     `json:"resultId,omitempty"`
}

// NewGenerationLock returns a lock in NOT_STARTED.
func NewGenerationLock() GenerationLock {
	return GenerationLock{Status: LockNotStarted}
}

// CanAcquire reports whether a new generation attempt may start.
func (l GenerationLock) CanAcquire() bool {
	return l.Status == LockNotStarted || l.Status == LockFailed || l.Status == ""
}

// Acquire moves the lock to IN_PROGRESS and bumps the attempt counter.
func (l GenerationLock) Acquire(now time.Time) (GenerationLock, error) {
	if !l.CanAcquire() {
		return l, fmt.Errorf("%w: %s -> %s", ErrInvalidLockTransition, l.Status, LockInProgress)
	}
	return GenerationLock{
		Status:    LockInProgress,
		Attempt:   l.Attempt + 1,
		StartedAt: &now,
	}, nil
}

// Complete moves an IN_PROGRESS lock to COMPLETE with the produced result.
func (l GenerationLock) Complete(now time.Time, resultID string) (GenerationLock, error) {
	if l.Status != LockInProgress {
		return l, fmt.Errorf("%w: %s -> %s", ErrInvalidLockTransition, l.Status, LockComplete)
	}
	if resultID == "" {
		return l, fmt.Errorf("%w: COMPLETE requires a result id", ErrInvalidLockTransition)
	}
	next := l
	next.Status = LockComplete
	next.CompletedAt = &now
	next.ResultID = resultID
	next.Error = ""
	return next, nil
}

// Fail moves an IN_PROGRESS lock to FAILED, which permits a later retry.
func (l GenerationLock) Fail(now time.Time, reason string) (GenerationLock, error) {
	if l.Status != LockInProgress {
		return l, fmt.Errorf("%w: %s -> %s", ErrInvalidLockTransition, l.Status, LockFailed)
	}
	next := l
	next.Status = LockFailed
	next.FailedAt = &now
	next.Error = reason
	return next, nil
}
