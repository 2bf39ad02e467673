package failure

import (
	"errors"
	"reflect"
	"strings"

	"github.com/embarklabs/embark/pkg/apperr"
)

// Diagnostic messages that are always forwarded to a parent handler,
// bypassing deduplication. These match the logging-subsystem failures a
// parent is expected to surface itself.
var diagnosticMessages = []string{
	"Logback configuration error detected",
	"Logging initialization failed",
	"Could not initialize logging",
}

// maxChainDepth bounds traversal of chains whose nodes cannot be
// identity-tracked. Comparable nodes terminate through the visited set
// alone; this only backstops uncomparable error types.
const maxChainDepth = 256

// visitSet tracks error identity during chain traversal. Identity, not
// structural equality: cause chains are reference graphs built by
// arbitrary code, and identity stays sound and O(1) per step.
type visitSet map[error]struct{}

// add records err and reports whether it had been seen before. Errors
// with uncomparable dynamic types cannot key a map and are not recorded.
func (v visitSet) add(err error) (seen bool) {
	if !canTrack(err) {
		return false
	}
	if _, ok := v[err]; ok {
		return true
	}
	v[err] = struct{}{}
	return false
}

func (v visitSet) has(err error) bool {
	if !canTrack(err) {
		return false
	}
	_, ok := v[err]
	return ok
}

func canTrack(err error) bool {
	t := reflect.TypeOf(err)
	return t == nil || t.Comparable()
}

// containsDiagnostic walks the cause chain and reports whether any
// message contains one of the recognized diagnostic substrings. Cycles
// terminate the walk with a negative result.
func containsDiagnostic(err error) bool {
	visited := make(visitSet)
	for depth := 0; err != nil && depth < maxChainDepth; depth++ {
		if visited.add(err) {
			return false
		}
		msg := err.Error()
		for _, diagnostic := range diagnosticMessages {
			if strings.Contains(msg, diagnostic) {
				return true
			}
		}
		err = errors.Unwrap(err)
	}
	return false
}

// chainContains walks the cause chain of err and reports whether any
// node is present, by identity, in the given set. The root is checked
// before the walk starts.
func chainContains(set map[error]struct{}, err error) bool {
	if err == nil {
		return false
	}
	if canTrack(err) {
		if _, ok := set[err]; ok {
			return true
		}
	}
	visited := make(visitSet)
	for depth := 0; err != nil && depth < maxChainDepth; depth++ {
		if visited.add(err) {
			return false
		}
		if canTrack(err) {
			if _, ok := set[err]; ok {
				return true
			}
		}
		err = errors.Unwrap(err)
	}
	return false
}

// ResolveExitCode walks the cause chain for the first value exposing the
// exit-code capability and returns its code. Self-referential causes,
// cycles, and chain ends resolve to 0. A panic inside an ExitCode
// implementation counts as "no code".
func ResolveExitCode(err error) int {
	visited := make(visitSet)
	for depth := 0; err != nil && depth < maxChainDepth; depth++ {
		if coder, ok := err.(apperr.ExitCoder); ok {
			return safeExitCode(coder)
		}
		if visited.add(err) {
			return 0
		}
		cause := errors.Unwrap(err)
		if canTrack(err) && canTrack(cause) && cause == err {
			// self-cycle guard
			return 0
		}
		if visited.has(cause) {
			return 0
		}
		err = cause
	}
	return 0
}

func safeExitCode(coder apperr.ExitCoder) (code int) {
	defer func() {
		if recover() != nil {
			code = 0
		}
	}()
	return coder.ExitCode()
}
