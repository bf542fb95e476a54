package main

import (
	"bufio"
	"io"
	"strings"

	log "github.com/sirupsen/logrus"
)

const (
	testPrefix    = "test "
	testSeparator = " ... "
	failedMarker  = "FAILED: "
	panicMarker   = "*** kernel panic"
)

// testResult is a single "test <name> ... <outcome>" report printed by the
// kernel self-test runner.
type testResult struct {
	Name   string
	Passed bool
	Reason string
}

// serialReport accumulates the test results found in the serial output of a
// kernel run.
type serialReport struct {
	Tests    []testResult
	Panicked bool

	// pending holds a test whose outcome has not been printed yet.
	pending string
}

// scan consumes r line by line until EOF, logging every line.
func (r *serialReport) scan(in io.Reader, logger *log.Entry) error {
	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), "\r")
		logger.Info(line)
		r.parseLine(line)
	}

	if r.pending != "" {
		r.Tests = append(r.Tests, testResult{Name: r.pending, Reason: "no outcome reported"})
		r.pending = ""
	}

	return scanner.Err()
}

func (r *serialReport) parseLine(line string) {
	if strings.Contains(line, panicMarker) {
		r.Panicked = true
	}

	// A test may print its outcome on a later line.
	if r.pending != "" {
		if r.finish(r.pending, line) {
			r.pending = ""
		}
		return
	}

	if !strings.HasPrefix(line, testPrefix) {
		return
	}

	name, rest, found := strings.Cut(strings.TrimPrefix(line, testPrefix), testSeparator)
	if !found {
		return
	}

	if !r.finish(name, rest) {
		r.pending = name
	}
}

// finish records the outcome of test name if text contains one.
func (r *serialReport) finish(name, text string) bool {
	if _, reason, found := strings.Cut(text, failedMarker); found {
		r.Tests = append(r.Tests, testResult{Name: name, Reason: reason})
		return true
	}

	if strings.HasSuffix(strings.TrimSpace(text), "ok") {
		r.Tests = append(r.Tests, testResult{Name: name, Passed: true})
		return true
	}

	return false
}

// failed reports whether any test failed or the kernel panicked.
func (r *serialReport) failed() bool {
	if r.Panicked {
		return true
	}

	for _, t := range r.Tests {
		if !t.Passed {
			return true
		}
	}
	return false
}
