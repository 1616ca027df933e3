package agent

import "testing"

func TestMessageExtractor(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		fragments []string
		want      string
	}{
		{
			name:      "single fragment",
			fragments: []string{`{"message": "hello there", "needsInfo": false}`},
			want:      "hello there",
		},
		{
			name: "value split across fragments",
			fragments: []string{
				`{"mess`, `age": "Here `, `is your`, ` plot."`, `, "needsInfo": false}`,
			},
			want: "Here is your plot.",
		},
		{
			name: "escape split across fragments",
			fragments: []string{
				`{"message": "line one\`, `nline two"}`,
			},
			want: "line one\nline two",
		},
		{
			name:      "escaped quote inside value",
			fragments: []string{`{"message": "a \"volcano\" plot"}`},
			want:      `a "volcano" plot`,
		},
		{
			name:      "no message field",
			fragments: []string{`{"needsInfo": true}`},
			want:      "",
		},
		{
			name:      "text after closing quote is ignored",
			fragments: []string{`{"message": "done", "suggestions": ["not this"]}`},
			want:      "done",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			e := newMessageExtractor()
			var got string
			for _, frag := range tt.fragments {
				got += e.Feed(frag)
			}
			if got != tt.want {
				t.Errorf("extracted %q, want %q", got, tt.want)
			}
		})
	}
}

func TestMessageExtractor_Monotonic(t *testing.T) {
	t.Parallel()

	e := newMessageExtractor()
	if out := e.Feed(`{"message": "abc`); out != "abc" {
		t.Errorf("first feed = %q", out)
	}
	// Re-feeding nothing new must not re-emit.
	if out := e.Feed(""); out != "" {
		t.Errorf("empty feed re-emitted %q", out)
	}
	if out := e.Feed(`def"}`); out != "def" {
		t.Errorf("second feed = %q", out)
	}
}
