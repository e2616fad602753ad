package main

import (
	"fmt"
	"strconv"

	"github.com/fatih/color"
	"github.com/srg/fireble/internal/fireboard"
	"github.com/srg/fireble/internal/session"
)

var (
	good = color.New(color.FgGreen).SprintFunc()
	warn = color.New(color.FgYellow).SprintFunc()
	bad  = color.New(color.FgRed).SprintFunc()
	dim  = color.New(color.Faint).SprintFunc()
)

// formatEvent renders one session event as a single --follow line
func formatEvent(ev session.Event) string {
	prefix := dim(ev.At.Format("15:04:05")) + " " + ev.Address

	switch ev.Kind {
	case session.EventStateChanged:
		return fmt.Sprintf("%s %s %s", prefix, stateColor(ev.State)(ev.State.String()), dim(ev.Status))
	case session.EventChannelAdded:
		return fmt.Sprintf("%s %s %s %s", prefix, good("+"), fireboard.ChannelName(ev.Channel), temperature(ev))
	case session.EventChannelRemoved:
		return fmt.Sprintf("%s %s %s", prefix, bad("-"), fireboard.ChannelName(ev.Channel))
	case session.EventReading:
		return fmt.Sprintf("%s   %s %s", prefix, fireboard.ChannelName(ev.Channel), temperature(ev))
	default:
		return fmt.Sprintf("%s %s", prefix, ev.Kind)
	}
}

func temperature(ev session.Event) string {
	return strconv.FormatFloat(ev.Temp, 'f', -1, 64) + ev.Unit.String()
}

func stateColor(s session.ConnState) func(a ...interface{}) string {
	switch s {
	case session.StateConnected:
		return good
	case session.StateProxyFull, session.StateStopped:
		return bad
	default:
		return warn
	}
}
