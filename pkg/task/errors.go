package task

import "errors"

var (
	// ErrInvalidURL is returned when a task is created with an empty or
	// unparseable source URL.
	ErrInvalidURL = errors.New("invalid source URL")

	// ErrInvalidOutputDir is returned when a task is created without an
	// output directory.
	ErrInvalidOutputDir = errors.New("invalid output directory")

	// ErrDirectory marks an uncreatable or unwritable output directory.
	// It is fatal for the task and forces it into Stopped.
	ErrDirectory = errors.New("output directory error")

	// ErrKeyResolution reports that one or more encryption keys could not
	// be fetched or persisted. It is surfaced through the event stream and
	// never blocks segment downloading.
	ErrKeyResolution = errors.New("key resolution failed")
)
