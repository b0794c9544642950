package transcript_test

import (
	"testing"

	"github.com/MrWong99/voxmod/internal/transcript"
)

func TestFilter_Defaults(t *testing.T) {
	t.Parallel()

	f := transcript.NewFilter(transcript.Config{})
	tests := []struct {
		in         string
		wantText   string
		wantReason string
	}{
		{"  Hey Brian, ban spammer  ", "Hey Brian, ban spammer", ""},
		{"", "", transcript.ReasonEmpty},
		{"   ", "", transcript.ReasonEmpty},
		{"Thank you.", "Thank you.", transcript.ReasonHallucination},
		{"THANKS FOR WATCHING!", "THANKS FOR WATCHING!", transcript.ReasonHallucination},
		{"...", "...", transcript.ReasonHallucination},
		{"?!", "?!", transcript.ReasonEmpty},
		{"ok", "ok", transcript.ReasonTooShort},
		{"hey", "hey", ""},
		{"thank you brian", "thank you brian", ""},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			t.Parallel()
			got, reason := f.Check(tt.in)
			if got != tt.wantText || reason != tt.wantReason {
				t.Errorf("Check(%q) = (%q, %q), want (%q, %q)", tt.in, got, reason, tt.wantText, tt.wantReason)
			}
		})
	}
}

func TestFilter_CustomPhrases(t *testing.T) {
	t.Parallel()

	f := transcript.NewFilter(transcript.Config{Phrases: []string{"Subscribe"}, MinLength: -1})
	if _, ok := f.Clean("subscribe!"); ok {
		t.Error("custom phrase was kept")
	}
	if _, ok := f.Clean("thank you"); !ok {
		t.Error("default phrase dropped although the list was replaced")
	}
	if _, ok := f.Clean("a"); !ok {
		t.Error("length check should be disabled")
	}
}

func TestFilter_EmptyPhraseListDisablesMatching(t *testing.T) {
	t.Parallel()
	f := transcript.NewFilter(transcript.Config{Phrases: []string{}})
	if _, ok := f.Clean("thank you"); !ok {
		t.Error("phrase matched with an empty list")
	}
}

func TestFilter_Disabled(t *testing.T) {
	t.Parallel()
	f := transcript.NewFilter(transcript.Config{Disabled: true})
	if got, ok := f.Clean(" you "); !ok || got != "you" {
		t.Errorf("Clean = (%q, %v), want (\"you\", true)", got, ok)
	}
	if _, ok := f.Clean(""); ok {
		t.Error("empty text kept by disabled filter")
	}
}
