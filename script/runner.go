// Package script runs user Go code for canvas and three nodes through the
// yaegi interpreter.
package script

import (
	"errors"
	"fmt"
	"reflect"
	"regexp"
	"runtime/debug"
	"strconv"
	"strings"

	"github.com/traefik/yaegi/interp"
	"github.com/traefik/yaegi/stdlib"
)

// RuntimeError is a compile or runtime failure in user code. Line is zero
// when the interpreter did not report a position.
type RuntimeError struct {
	Line    int
	Column  int
	Message string
}

func (e *RuntimeError) Error() string {
	if e.Line > 0 {
		return fmt.Sprintf("line %d: %s", e.Line, e.Message)
	}
	return e.Message
}

// LineErrors returns the error keyed by line, ready for a console event.
func (e *RuntimeError) LineErrors() map[int][]string {
	if e.Line <= 0 {
		return nil
	}
	return map[int][]string{e.Line: {e.Message}}
}

var positionPattern = regexp.MustCompile(`(\d+):(\d+): (.*)`)

func parseError(err error) *RuntimeError {
	msg := strings.TrimSpace(err.Error())
	if first, _, ok := strings.Cut(msg, "\n"); ok {
		msg = first
	}
	m := positionPattern.FindStringSubmatch(msg)
	if m == nil {
		return &RuntimeError{Message: msg}
	}
	line, _ := strconv.Atoi(m[1])
	col, _ := strconv.Atoi(m[2])
	return &RuntimeError{Line: line, Column: col, Message: m[3]}
}

// Runner is one interpreter instance. It is not safe for concurrent use.
type Runner struct {
	interp *interp.Interpreter
}

// New creates an interpreter with the standard library and the given symbol
// sets available for import.
func New(exports ...interp.Exports) (*Runner, error) {
	i := interp.New(interp.Options{})
	if err := i.Use(stdlib.Symbols); err != nil {
		return nil, fmt.Errorf("failed to load stdlib symbols: %w", err)
	}
	for _, e := range exports {
		if err := i.Use(e); err != nil {
			return nil, fmt.Errorf("failed to load symbols: %w", err)
		}
	}
	return &Runner{interp: i}, nil
}

// Load evaluates code. Top level declarations become available to Func.
func (r *Runner) Load(code string) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = panicError(p)
		}
	}()
	if _, err := r.interp.Eval(code); err != nil {
		return parseError(err)
	}
	return nil
}

// Func looks up a top level function declared by the loaded code.
func (r *Runner) Func(name string) (reflect.Value, bool) {
	v, err := r.interp.Eval(name)
	if err != nil || v.Kind() != reflect.Func {
		return reflect.Value{}, false
	}
	return v, true
}

// Call runs fn and turns a panic into a *RuntimeError.
func Call(fn func()) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = panicError(p)
		}
	}()
	fn()
	return nil
}

func panicError(p any) *RuntimeError {
	var err error
	switch v := p.(type) {
	case error:
		err = v
	default:
		err = errors.New(fmt.Sprint(v))
	}
	re := parseError(err)
	if re.Line == 0 {
		// yaegi reports interpreted frames as _.go:<line> in the stack
		if m := stackLine.FindStringSubmatch(string(debug.Stack())); m != nil {
			re.Line, _ = strconv.Atoi(m[1])
		}
	}
	return re
}

var stackLine = regexp.MustCompile(`_\.go:(\d+)`)
