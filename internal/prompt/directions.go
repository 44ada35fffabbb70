package prompt

import (
	"fmt"
	"math/rand"
	"strings"
)

// Calculation direction selectors.
const (
	DirectionVerificationCode = "verification_code"
	DirectionPhoneNumber      = "phone_number"
	DirectionIDNumber         = "id_number"
)

// Directions resolves the direction list for one generation call. For the
// calculation task it synthesizes a random payload from the first
// configured direction; otherwise it samples up to variants directions
// without replacement. rng is owned by the calling worker.
func Directions(rng *rand.Rand, taskType string, configured []string, variants int) []string {
	if taskType == "calculation" {
		kind := ""
		if len(configured) > 0 {
			kind = configured[0]
		}
		return []string{calculationPayload(rng, kind)}
	}
	return sampleDirections(rng, configured, variants)
}

// sampleDirections picks min(n, len(pool)) distinct entries.
func sampleDirections(rng *rand.Rand, pool []string, n int) []string {
	if n > len(pool) {
		n = len(pool)
	}
	if n <= 0 {
		return nil
	}
	idx := rng.Perm(len(pool))[:n]
	out := make([]string, n)
	for i, j := range idx {
		out[i] = pool[j]
	}
	return out
}

// calculationPayload builds the randomized subject for calculation tasks.
func calculationPayload(rng *rand.Rand, kind string) string {
	switch kind {
	case DirectionVerificationCode:
		length := 4
		if rng.Intn(2) == 1 {
			length = 6
		}
		return fmt.Sprintf("randomly generated %d-digit verification code: %s", length, digits(rng, length))
	case DirectionPhoneNumber:
		second := []string{"3", "4", "5", "7", "8"}[rng.Intn(5)]
		return "randomly generated 11-digit phone number: 1" + second + digits(rng, 9)
	case DirectionIDNumber:
		// address code + YYYYMMDD birth date + sequence + check digit
		// (which may be X).
		year := 1950 + rng.Intn(56)
		month := 1 + rng.Intn(12)
		day := 1 + rng.Intn(28)
		check := "X"
		if n := rng.Intn(11); n < 10 {
			check = fmt.Sprintf("%d", n)
		}
		id := fmt.Sprintf("%s%04d%02d%02d%s%s", digits(rng, 6), year, month, day, digits(rng, 3), check)
		return "randomly generated 18-digit ID number: " + id
	default:
		length := 4 + rng.Intn(32)
		return fmt.Sprintf("randomly generated number of length %d: %s", length, digits(rng, length))
	}
}

func digits(rng *rand.Rand, n int) string {
	var b strings.Builder
	for i := 0; i < n; i++ {
		b.WriteByte(byte('0' + rng.Intn(10)))
	}
	return b.String()
}
