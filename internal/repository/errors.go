package repository

import "errors"

// Storage errors shared by every attendance backend.
var (
	ErrSessionNotFound = errors.New("attendance session not found")
	ErrCourseNotFound  = errors.New("course not found")
	ErrDuplicateClass  = errors.New("attendance session already exists")
)
