package engine

import "fmt"

// The engine classifies failures into four expected categories. Expected
// failures never cross the public boundary as panics: they either skip the
// failing unit (parse/apply errors during a pull) or abort the current cycle
// and surface through Status (config/IO errors). Anything else is a plain
// error and also lands in Status.

// ConfigError indicates the sync folder is missing, inaccessible, or
// unusable (for example, it contains the local database file).
type ConfigError struct {
	Path string
	Err  error
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("sync folder %s: %v", e.Path, e.Err)
}

func (e *ConfigError) Unwrap() error { return e.Err }

// IOError indicates a read, write, or atomic-rename failure against the
// sync folder.
type IOError struct {
	Op   string
	Path string
	Err  error
}

func (e *IOError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Path, e.Err)
}

func (e *IOError) Unwrap() error { return e.Err }

// ParseError indicates a malformed or unsupported-version journal or
// snapshot file. The file is skipped and retried on a later cycle; the
// watermark is never advanced past it.
type ParseError struct {
	Path string
	Err  error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse %s: %v", e.Path, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// ApplyError indicates a row-level apply failure. Only that entry is
// skipped; the rest of the file still applies, but the watermark stays
// behind the file so it is retried.
type ApplyError struct {
	Table string
	ID    string
	Err   error
}

func (e *ApplyError) Error() string {
	return fmt.Sprintf("apply %s/%s: %v", e.Table, e.ID, e.Err)
}

func (e *ApplyError) Unwrap() error { return e.Err }
