// Package command renders command-channel statements for the acquisition device.
//
// Statements are ASCII, terminated by ';'. The grammar is treated as opaque
// templates parameterized by channel index.
package command

import (
	"fmt"
	"strings"
)

const (
	ClearOutputs = "execute clearalldataoutputs;"
	RunModeRun   = "set runmode run;"
	RunModeStop  = "set runmode stop;"
)

// ChannelName returns the device name of amplifier channel ch (a-000, a-001, ...).
func ChannelName(ch int) string {
	return fmt.Sprintf("a-%03d", ch)
}

// EnableChannel enables TCP waveform output for ch, optionally with spike output.
func EnableChannel(ch int, spike bool) string {
	name := ChannelName(ch)
	if spike {
		return fmt.Sprintf("set %s.tcpdataoutputenabled true; set %s.tcpdataoutputenabledspike true;", name, name)
	}
	return fmt.Sprintf("set %s.tcpdataoutputenabled true;", name)
}

// StartRoutine is the ordered sequence that clears outputs, enables every
// channel and puts the device in run mode. Each entry is one write.
func StartRoutine(channels int, spike bool) []string {
	out := make([]string, 0, channels+2)
	out = append(out, ClearOutputs)
	for ch := 0; ch < channels; ch++ {
		out = append(out, EnableChannel(ch, spike))
	}
	return append(out, RunModeRun)
}

func StopRoutine() []string {
	return []string{RunModeStop}
}

// Split breaks raw command-channel text into trimmed statements, each keeping
// its terminating ';'. A trailing fragment without ';' is returned as rest.
func Split(raw string) (stmts []string, rest string) {
	for {
		i := strings.IndexByte(raw, ';')
		if i < 0 {
			return stmts, raw
		}
		if stmt := strings.TrimSpace(raw[:i]); stmt != "" {
			stmts = append(stmts, stmt+";")
		}
		raw = raw[i+1:]
	}
}
