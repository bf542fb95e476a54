package main

import (
	"io"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	log "github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
)

func TestSerialReport(t *testing.T) {
	specs := []struct {
		output      string
		expTests    []testResult
		expPanicked bool
		expFailed   bool
	}{
		{
			"[hal] serial(1.0.0): port 0x3f8, 38400 baud initialized\r\n" +
				"test breakpoint_resume ... \r\n" +
				"EXCEPTION: BREAKPOINT\r\n" +
				"  RIP = 0000000000101234\r\n" +
				"ok\r\n" +
				"test rtc_read ... (2026-10-19 12:30:05) ok\r\n" +
				"all tests passed\r\n",
			[]testResult{
				{Name: "breakpoint_resume", Passed: true},
				{Name: "rtc_read", Passed: true},
			},
			false,
			false,
		},
		{
			"test timer_ticks ... FAILED: [selftest] timer did not advance while sleeping\n",
			[]testResult{
				{Name: "timer_ticks", Reason: "[selftest] timer did not advance while sleeping"},
			},
			false,
			true,
		},
		{
			"test heap_round_trip ... \n" +
				"-----------------------------------\n" +
				"[heap] unrecoverable error: invalid free\n" +
				"*** kernel panic: system halted ***\n",
			[]testResult{
				{Name: "heap_round_trip", Reason: "no outcome reported"},
			},
			true,
			true,
		},
		{
			"booting\nno tests here\n",
			nil,
			false,
			false,
		},
	}

	for specIndex, spec := range specs {
		logger, hook := test.NewNullLogger()

		var report serialReport
		if err := report.scan(strings.NewReader(spec.output), log.NewEntry(logger)); err != nil {
			t.Errorf("[spec %d] unexpected error: %v", specIndex, err)
			continue
		}

		if diff := cmp.Diff(spec.expTests, report.Tests); diff != "" {
			t.Errorf("[spec %d] unexpected results (-want +got):\n%s", specIndex, diff)
		}

		if report.Panicked != spec.expPanicked {
			t.Errorf("[spec %d] expected panicked %t; got %t", specIndex, spec.expPanicked, report.Panicked)
		}

		if report.failed() != spec.expFailed {
			t.Errorf("[spec %d] expected failed %t; got %t", specIndex, spec.expFailed, report.failed())
		}

		expLines := strings.Count(spec.output, "\n")
		if got := len(hook.AllEntries()); got != expLines {
			t.Errorf("[spec %d] expected %d logged lines; got %d", specIndex, expLines, got)
		}

		for _, entry := range hook.AllEntries() {
			if strings.HasSuffix(entry.Message, "\r") {
				t.Errorf("[spec %d] expected carriage returns to be stripped; got %q", specIndex, entry.Message)
			}
		}
	}
}

type errReader struct{}

func (errReader) Read([]byte) (int, error) { return 0, io.ErrUnexpectedEOF }

func TestSerialReportReadError(t *testing.T) {
	logger, _ := test.NewNullLogger()

	var report serialReport
	if err := report.scan(errReader{}, log.NewEntry(logger)); err != io.ErrUnexpectedEOF {
		t.Fatalf("expected io.ErrUnexpectedEOF; got %v", err)
	}
}
