package model

import (
	"testing"
	"time"
)

func day(s string) time.Time {
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		panic(err)
	}
	return t
}

func dayPtr(s string) *time.Time {
	t := day(s)
	return &t
}

func TestRule_Covers(t *testing.T) {
	r := &Rule{EffectiveFrom: day("2011-01-04"), EffectiveTo: dayPtr("2020-01-01")}

	tests := []struct {
		at   string
		want bool
	}{
		{"2011-01-03", false},
		{"2011-01-04", true},
		{"2015-06-01", true},
		{"2019-12-31", true},
		{"2020-01-01", false},
	}
	for _, tt := range tests {
		if got := r.Covers(day(tt.at)); got != tt.want {
			t.Errorf("Covers(%s) = %v, want %v", tt.at, got, tt.want)
		}
	}

	open := &Rule{EffectiveFrom: day("2011-01-04")}
	if !open.Covers(day("2099-01-01")) {
		t.Error("open-ended rule should cover any later date")
	}
}

func TestWindowsOverlap(t *testing.T) {
	tests := []struct {
		name         string
		aFrom, bFrom string
		aTo, bTo     *time.Time
		want         bool
	}{
		{"both open", "2011-01-01", "2015-01-01", nil, nil, true},
		{"a ends before b starts", "2011-01-01", "2015-01-01", dayPtr("2014-01-01"), nil, false},
		{"a ends when b starts", "2011-01-01", "2015-01-01", dayPtr("2015-01-01"), nil, false},
		{"a ends after b starts", "2011-01-01", "2015-01-01", dayPtr("2015-01-02"), nil, true},
		{"b closed before a", "2015-01-01", "2011-01-01", nil, dayPtr("2012-01-01"), false},
		{"same start", "2011-01-01", "2011-01-01", dayPtr("2011-06-01"), dayPtr("2011-02-01"), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := WindowsOverlap(day(tt.aFrom), tt.aTo, day(tt.bFrom), tt.bTo)
			if got != tt.want {
				t.Errorf("WindowsOverlap() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestSelectCurrent(t *testing.T) {
	old := &Rule{ID: "old", Version: 1, EffectiveFrom: day("2008-12-01"), EffectiveTo: dayPtr("2010-01-01")}
	mid := &Rule{ID: "mid", Version: 1, EffectiveFrom: day("2010-01-01")}
	newer := &Rule{ID: "new", Version: 1, EffectiveFrom: day("2011-01-04")}
	bumped := &Rule{ID: "bumped", Version: 2, EffectiveFrom: day("2011-01-04")}

	rules := []*Rule{old, mid, newer, bumped}

	tests := []struct {
		at   string
		want string
	}{
		{"2008-11-30", ""},
		{"2009-06-01", "old"},
		{"2010-06-01", "mid"},
		{"2011-01-04", "bumped"},
		{"2024-06-01", "bumped"},
	}
	for _, tt := range tests {
		got := SelectCurrent(rules, day(tt.at))
		id := ""
		if got != nil {
			id = got.ID
		}
		if id != tt.want {
			t.Errorf("SelectCurrent(%s) = %q, want %q", tt.at, id, tt.want)
		}
	}

	if SelectCurrent(nil, day("2024-01-01")) != nil {
		t.Error("SelectCurrent(nil) should be nil")
	}
}

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to RuleStatus
		want     bool
	}{
		{RuleDraft, RuleReview, true},
		{RuleDraft, RulePublished, false},
		{RuleReview, RuleArbitrated, true},
		{RuleArbitrated, RulePublished, true},
		{RulePublished, RuleRejected, true},
		{RulePublished, RuleDraft, false},
		{RuleRejected, RuleDraft, false},
		{RuleRejected, RulePublished, false},
	}
	for _, tt := range tests {
		if got := CanTransition(tt.from, tt.to); got != tt.want {
			t.Errorf("CanTransition(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}

func TestRule_IsLegacy(t *testing.T) {
	if !(&Rule{}).IsLegacy() {
		t.Error("rule without graph status should be legacy")
	}
	if (&Rule{GraphStatus: GraphPending}).IsLegacy() {
		t.Error("pending rule should not be legacy")
	}
}
