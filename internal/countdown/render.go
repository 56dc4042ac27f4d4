package countdown

import (
	"math/rand"
	"strconv"
	"sync"
	"time"
)

// DefaultDigitEmoji maps decimal digits 0-9 to keycap emoji.
var DefaultDigitEmoji = []string{
	"0️⃣", "1️⃣", "2️⃣", "3️⃣", "4️⃣",
	"5️⃣", "6️⃣", "7️⃣", "8️⃣", "9️⃣",
}

// DefaultGoMessages are the terminal messages one of which ends every
// completed countdown.
var DefaultGoMessages = []string{
	"GO! \U0001f389",
	"GOGOGO!",
	"Let's go! \U0001f680",
	"Liftoff! \U0001f4a5",
}

// Renderer turns countdown values into chat text.
type Renderer struct {
	digits []string
	goMsgs []string

	mu  sync.Mutex
	rng *rand.Rand
}

// NewRenderer builds a renderer. Nil or incomplete inputs fall back to the
// defaults; digits must have exactly ten entries to be accepted.
func NewRenderer(digits, goMsgs []string) *Renderer {
	if len(digits) != 10 {
		digits = DefaultDigitEmoji
	}
	if len(goMsgs) == 0 {
		goMsgs = DefaultGoMessages
	}
	return &Renderer{
		digits: append([]string(nil), digits...),
		goMsgs: append([]string(nil), goMsgs...),
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Number renders a non-negative integer digit by digit.
func (r *Renderer) Number(n int) string {
	if n < 0 {
		n = 0
	}
	s := strconv.Itoa(n)
	out := make([]byte, 0, len(s)*8)
	for _, c := range []byte(s) {
		out = append(out, r.digits[c-'0']...)
	}
	return string(out)
}

// Terminal picks a random terminal message.
func (r *Renderer) Terminal() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.goMsgs[r.rng.Intn(len(r.goMsgs))]
}
