package models

import "testing"

func TestOutputConfigEvenDimensions(t *testing.T) {
	cases := []struct {
		w, h         int
		wantW, wantH int
	}{
		{1920, 1080, 1920, 1080},
		{1921, 1081, 1920, 1080},
		{1079, 607, 1078, 606},
		{1, 1, 2, 2},
		{0, 3, 2, 2},
	}

	for _, c := range cases {
		cfg := NewOutputConfig(c.w, c.h, 30, "16:9")
		if cfg.Width != c.wantW || cfg.Height != c.wantH {
			t.Errorf("NewOutputConfig(%d, %d): got %dx%d, want %dx%d",
				c.w, c.h, cfg.Width, cfg.Height, c.wantW, c.wantH)
		}
		if cfg.Width%2 != 0 || cfg.Height%2 != 0 {
			t.Errorf("dimensions %dx%d not even", cfg.Width, cfg.Height)
		}
	}
}

func TestGOPSize(t *testing.T) {
	cfg := NewOutputConfig(1920, 1080, 25, "16:9")
	if got := cfg.GOPSize(); got != 50 {
		t.Errorf("GOPSize = %d, want 50", got)
	}
}

func TestExpressionCompatible(t *testing.T) {
	cases := []struct {
		a, b Expression
		want bool
	}{
		{ExpressionNeutral, ExpressionHappy, true},
		{ExpressionSerious, ExpressionNeutral, true},
		{ExpressionHappy, ExpressionSurprised, true},
		{ExpressionSerious, ExpressionConcerned, true},
		{ExpressionHappy, ExpressionSerious, false},
		{ExpressionSurprised, ExpressionConcerned, false},
		{ExpressionHappy, ExpressionHappy, true},
	}

	for _, c := range cases {
		if got := c.a.Compatible(c.b); got != c.want {
			t.Errorf("Compatible(%s, %s) = %v, want %v", c.a, c.b, got, c.want)
		}
		// Compatibility is symmetric
		if got := c.b.Compatible(c.a); got != c.want {
			t.Errorf("Compatible(%s, %s) = %v, want %v", c.b, c.a, got, c.want)
		}
	}
}

func TestExpressionValid(t *testing.T) {
	for _, e := range AllExpressions {
		if !e.Valid() {
			t.Errorf("expected %s to be valid", e)
		}
	}
	if Expression("smirking").Valid() {
		t.Error("unknown tag reported valid")
	}
}

func TestJobStatusTerminal(t *testing.T) {
	if JobStatusQueued.Terminal() || JobStatusRunning.Terminal() {
		t.Error("non-terminal status reported terminal")
	}
	if !JobStatusCompleted.Terminal() || !JobStatusFailed.Terminal() {
		t.Error("terminal status not reported terminal")
	}
}

func TestSplitWords(t *testing.T) {
	words := SplitWords("  the quick\tbrown\nfox ")
	if len(words) != 4 {
		t.Fatalf("got %d words, want 4: %v", len(words), words)
	}
	if words[0] != "the" || words[3] != "fox" {
		t.Errorf("unexpected words: %v", words)
	}
	if got := SplitWords(""); got != nil {
		t.Errorf("empty text should split to nil, got %v", got)
	}
}
