package envelope

import (
	"encoding/base64"
	"fmt"
	"os"
	"strings"
)

const (
	envInlineProof = "LICENSE_PROOF"
	envProofFile   = "LICENSE_PROOF_FILE"
	defaultPath    = "/etc/chainborn/proof.json"
)

// NoProofAvailableError is returned when none of the configured sources
// produced a proof envelope.
type NoProofAvailableError struct {
	SourcesChecked []string
}

func (e *NoProofAvailableError) Error() string {
	return fmt.Sprintf("no proof envelope available; checked sources: %s", strings.Join(e.SourcesChecked, ", "))
}

// Base64DecodeError wraps a failure to decode the inline LICENSE_PROOF value.
type Base64DecodeError struct {
	Err error
}

func (e *Base64DecodeError) Error() string { return fmt.Sprintf("base64 decode error: %v", e.Err) }
func (e *Base64DecodeError) Unwrap() error { return e.Err }

// FileNotFoundError is returned when LICENSE_PROOF_FILE (or the default
// path) names a file that cannot be read.
type FileNotFoundError struct {
	Path string
	Err  error
}

func (e *FileNotFoundError) Error() string {
	return fmt.Sprintf("file not found: %s: %v", e.Path, e.Err)
}
func (e *FileNotFoundError) Unwrap() error { return e.Err }

// Loader resolves a proof envelope from a priority-ordered set of sources.
// The zero value reads from the process environment and the default path.
type Loader struct {
	// Getenv defaults to os.Getenv; overridable for tests.
	Getenv func(string) string
	// ReadFile defaults to os.ReadFile; overridable for tests.
	ReadFile func(string) ([]byte, error)
	// DefaultPath defaults to /etc/chainborn/proof.json.
	DefaultPath string
}

// NewLoader returns a Loader wired to the real environment and filesystem.
func NewLoader() *Loader {
	return &Loader{Getenv: os.Getenv, ReadFile: os.ReadFile, DefaultPath: defaultPath}
}

func (l *Loader) getenv(key string) string {
	if l.Getenv != nil {
		return l.Getenv(key)
	}
	return os.Getenv(key)
}

func (l *Loader) readFile(path string) ([]byte, error) {
	if l.ReadFile != nil {
		return l.ReadFile(path)
	}
	return os.ReadFile(path)
}

func (l *Loader) defaultPath() string {
	if l.DefaultPath != "" {
		return l.DefaultPath
	}
	return defaultPath
}

// Load consults, in fixed priority order: the inline LICENSE_PROOF variable,
// the LICENSE_PROOF_FILE path, then the default path. The first source that
// is present is used; later sources are not consulted.
func (l *Loader) Load() (Envelope, error) {
	checked := make([]string, 0, 3)

	if inline := strings.TrimSpace(l.getenv(envInlineProof)); inline != "" {
		checked = append(checked, envInlineProof)
		raw, err := base64.StdEncoding.DecodeString(inline)
		if err != nil {
			return Envelope{}, &Base64DecodeError{Err: err}
		}
		return ParseJSON(raw)
	}
	checked = append(checked, envInlineProof)

	if path := strings.TrimSpace(l.getenv(envProofFile)); path != "" {
		checked = append(checked, envProofFile+"="+path)
		raw, err := l.readFile(path)
		if err != nil {
			return Envelope{}, &FileNotFoundError{Path: path, Err: err}
		}
		return ParseJSON(raw)
	}
	checked = append(checked, envProofFile)

	defPath := l.defaultPath()
	checked = append(checked, defPath)
	raw, err := l.readFile(defPath)
	if err != nil {
		if os.IsNotExist(err) {
			return Envelope{}, &NoProofAvailableError{SourcesChecked: checked}
		}
		return Envelope{}, &FileNotFoundError{Path: defPath, Err: err}
	}
	return ParseJSON(raw)
}
