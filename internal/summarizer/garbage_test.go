package summarizer

import (
	"strings"
	"testing"
)

func TestIsGarbage(t *testing.T) {
	t.Parallel()

	article := strings.Repeat("The committee published its findings on regional water use today. ", 6)

	tests := []struct {
		name    string
		content string
		want    bool
	}{
		{name: "empty", content: "", want: true},
		{name: "too short", content: "Loading...", want: true},
		{name: "github session", content: "You signed in with another tab or window. Reload to refresh your session. " + article, want: true},
		{name: "short 404", content: "404 Not Found. The requested resource could not be located on this server.", want: true},
		{name: "single match in long article", content: article + " Access denied to the records was criticized.", want: false},
		{name: "real article", content: article, want: false},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if got := IsGarbage(tc.content); got != tc.want {
				t.Fatalf("IsGarbage() = %v, want %v", got, tc.want)
			}
		})
	}
}
