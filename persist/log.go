// Package persist collects the small set of storage-adjacent helpers that
// are not specific to any one component: a structured logger wrapper and an
// atomic JSON save, matching the teacher's persist package split between
// logging and on-disk state.
package persist

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"gitlab.com/NebulousLabs/errors"
	"gitlab.com/NebulousLabs/log"

	"gitlab.com/gridlabs/coordinator/build"
)

// Logger wraps gitlab.com/NebulousLabs/log.Logger with the component-name
// prefixing convention used across the coordinator: every log line is
// tagged with the owning component so a single log file can be grepped by
// subsystem.
type Logger struct {
	*log.Logger
	component string
}

// NewLogger creates a Logger that appends to <dir>/<component>.log, creating
// dir as needed. The returned Logger's Close must be called on
// shutdown.
func NewLogger(dir, component string) (*Logger, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, errors.AddContext(err, "unable to create persist directory")
	}
	f, err := os.OpenFile(filepath.Join(dir, component+".log"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
	if err != nil {
		return nil, errors.AddContext(err, "unable to open log file")
	}
	l, err := log.NewLogger(f)
	if err != nil {
		return nil, errors.AddContext(err, "unable to create logger")
	}
	return &Logger{Logger: l, component: component}, nil
}

// Printf writes a formatted, component-prefixed log line.
func (l *Logger) Printf(format string, args ...interface{}) {
	l.Logger.Println(fmt.Sprintf("["+l.component+"] "+format, args...))
}

// Critical logs a component-prefixed critical line and invokes
// build.Critical, which panics outside of Standard builds.
func (l *Logger) Critical(msg string, args ...interface{}) {
	l.Printf("CRITICAL: %s %v", msg, args)
	build.Critical(append([]interface{}{msg}, args...)...)
}

// SaveJSON atomically writes v as JSON to path: it writes to a temp file in
// the same directory and renames over the destination, so a crash mid-write
// never leaves a truncated file behind.
func SaveJSON(path string, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "\t")
	if err != nil {
		return errors.AddContext(err, "unable to marshal persisted state")
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return errors.AddContext(err, "unable to write temp persist file")
	}
	if err := os.Rename(tmp, path); err != nil {
		return errors.AddContext(err, "unable to commit persist file")
	}
	return nil
}

// LoadJSON reads and unmarshals JSON from path into v. A missing file is not
// an error; v is left untouched and the caller's zero value stands.
func LoadJSON(path string, v interface{}) error {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return errors.AddContext(err, "unable to read persist file")
	}
	return json.Unmarshal(data, v)
}
