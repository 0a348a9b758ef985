// Package policy decides which reminder stage, if any, a funnel is
// eligible to send at a given instant. The decision is a pure function of
// its inputs so it can be tested against literal timestamps.
package policy

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/leadflow/funnel-server-go/internal/calendar"
)

// Rule describes one stage of a funnel: the delay from the funnel's
// stage-zero event and an optional local-hour window the send is gated to.
type Rule struct {
	Stage  int
	Delay  time.Duration
	Window *calendar.Window
}

// Rules is an ordered stage table for one funnel.
type Rules []Rule

// DefaultFormRules is the 3-stage "form not yet completed" funnel,
// measured from the instant the form link was sent.
func DefaultFormRules() Rules {
	return Rules{
		{Stage: 1, Delay: 3 * time.Hour},
		{Stage: 2, Delay: 24 * time.Hour, Window: &calendar.Window{Start: 9, End: 12}},
		{Stage: 3, Delay: 48 * time.Hour, Window: &calendar.Window{Start: 9, End: 20}},
	}
}

// DefaultAppointmentRules is the 4-stage "appointment not yet booked"
// funnel, measured from the instant the appointment link was sent. The
// final stage carries a stricter morning window.
func DefaultAppointmentRules() Rules {
	return Rules{
		{Stage: 1, Delay: 3 * time.Hour},
		{Stage: 2, Delay: 27 * time.Hour},
		{Stage: 3, Delay: 51 * time.Hour},
		{Stage: 4, Delay: 75 * time.Hour, Window: &calendar.Window{Start: 9, End: 13}},
	}
}

// Parse reads a rule table from its textual form,
// "stage:delayMinutes[:startHour-endHour]" entries separated by commas,
// e.g. "1:180,2:1440:9-12,3:2880:9-20".
func Parse(s string) (Rules, error) {
	var rules Rules
	for _, entry := range strings.Split(s, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		parts := strings.Split(entry, ":")
		if len(parts) < 2 || len(parts) > 3 {
			return nil, fmt.Errorf("funnel rule %q: want stage:delayMinutes[:window]", entry)
		}
		stage, err := strconv.Atoi(parts[0])
		if err != nil || stage <= 0 {
			return nil, fmt.Errorf("funnel rule %q: bad stage number", entry)
		}
		delayMin, err := strconv.Atoi(parts[1])
		if err != nil || delayMin < 0 {
			return nil, fmt.Errorf("funnel rule %q: bad delay", entry)
		}
		rule := Rule{Stage: stage, Delay: time.Duration(delayMin) * time.Minute}
		if len(parts) == 3 {
			w, err := calendar.ParseWindow(parts[2])
			if err != nil {
				return nil, fmt.Errorf("funnel rule %q: %w", entry, err)
			}
			rule.Window = &w
		}
		rules = append(rules, rule)
	}
	if len(rules) == 0 {
		return nil, fmt.Errorf("funnel rule table %q is empty", s)
	}
	sort.Slice(rules, func(i, j int) bool { return rules[i].Stage < rules[j].Stage })
	for i := 1; i < len(rules); i++ {
		if rules[i].Stage == rules[i-1].Stage {
			return nil, fmt.Errorf("funnel rule table %q: duplicate stage %d", s, rules[i].Stage)
		}
	}
	return rules, nil
}

// NextStage returns the lowest stage eligible to send at instant now, or
// (0, false) when none is. A stage is eligible when it was not already
// sent, its delay from stageZero has elapsed, and now falls inside its
// hour window if it has one. A stage gated out purely by its window is not
// skipped past: it stays first in line for a later sweep.
func NextStage(cal *calendar.Calendar, rules Rules, stageZero, now time.Time, alreadySent []int) (int, bool) {
	sent := make(map[int]struct{}, len(alreadySent))
	for _, s := range alreadySent {
		sent[s] = struct{}{}
	}

	for _, rule := range rules {
		if _, ok := sent[rule.Stage]; ok {
			continue
		}
		if now.Before(stageZero.Add(rule.Delay)) {
			continue
		}
		if rule.Window != nil && !cal.IsWithinWindow(now, rule.Window.Start, rule.Window.End) {
			// Eligible by delay but outside its hour window. Do not fall
			// through to a later stage; this one still owes a send.
			return 0, false
		}
		return rule.Stage, true
	}
	return 0, false
}
