package countdown

import "testing"

func TestRendererNumber(t *testing.T) {
	t.Parallel()
	r := NewRenderer(plainDigits, []string{"go"})

	tests := []struct {
		in   int
		want string
	}{
		{0, "0"},
		{7, "7"},
		{10, "10"},
		{42, "42"},
		{100, "100"},
	}
	for _, tt := range tests {
		if got := r.Number(tt.in); got != tt.want {
			t.Fatalf("Number(%d) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestRendererEmojiDefaults(t *testing.T) {
	t.Parallel()
	r := NewRenderer(nil, nil)
	if got := r.Number(10); got != DefaultDigitEmoji[1]+DefaultDigitEmoji[0] {
		t.Fatalf("Number(10) = %q", got)
	}
}

func TestRendererTerminalFromPool(t *testing.T) {
	t.Parallel()
	r := NewRenderer(plainDigits, []string{"a", "b"})
	for i := 0; i < 20; i++ {
		got := r.Terminal()
		if got != "a" && got != "b" {
			t.Fatalf("Terminal() = %q, not in pool", got)
		}
	}
}
