package apperr

import (
	"fmt"
	"path/filepath"
	"runtime"
	"strings"
)

// Frame represents a single frame in the captured call stack
type Frame struct {
	Function string `json:"function"`
	File     string `json:"file"`
	Line     int    `json:"line"`
}

// captureStack captures the current call stack, skipping the specified
// number of frames above the caller
func captureStack(skip int) []Frame {
	var frames []Frame

	pcs := make([]uintptr, 32)
	n := runtime.Callers(skip+2, pcs) // +2 to skip captureStack and Callers
	if n == 0 {
		return frames
	}

	pcs = pcs[:n]
	callers := runtime.CallersFrames(pcs)

	for {
		frame, more := callers.Next()
		if frame.Function == "main.main" {
			// Include main.main but stop after it
			frames = append(frames, Frame{
				Function: frame.Function,
				File:     frame.File,
				Line:     frame.Line,
			})
			break
		}

		// Skip runtime internals
		if strings.HasPrefix(frame.Function, "runtime.") {
			if !more {
				break
			}
			continue
		}

		frames = append(frames, Frame{
			Function: frame.Function,
			File:     frame.File,
			Line:     frame.Line,
		})

		if !more {
			break
		}
	}

	return frames
}

// FormatStack renders the error's stack as a multi-line trace. The raw
// trace from the recover site wins over reconstructed frames when both
// are present.
func (e *Error) FormatStack() string {
	if len(e.RawTrace) > 0 {
		return string(e.RawTrace)
	}

	var sb strings.Builder
	for _, f := range e.Stack {
		sb.WriteString(fmt.Sprintf("\tat %s (%s:%d)\n", f.Function, filepath.Base(f.File), f.Line))
	}
	return sb.String()
}
