package knowledge

import (
	"strings"
	"testing"
)

func TestFormatContext_Empty(t *testing.T) {
	t.Parallel()

	if got := FormatContext(nil); got != "" {
		t.Errorf("expected empty context, got %q", got)
	}
}

func TestFormatContext_TruncatesLongSnippets(t *testing.T) {
	t.Parallel()

	long := strings.Repeat("x", maxSnippetLen+100)
	got := FormatContext([]Document{
		{ID: "volcano-guide", Content: "Volcano plots need log2FC and a significance column."},
		{ID: "long", Content: long},
	})

	if !strings.Contains(got, "Volcano plots need") {
		t.Errorf("missing snippet content in %q", got)
	}
	if strings.Contains(got, long) {
		t.Error("long snippet should be truncated")
	}
	if !strings.Contains(got, "...") {
		t.Error("truncated snippet should carry ellipsis")
	}
}
