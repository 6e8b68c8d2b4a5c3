package identity

import (
	"fmt"
	"math/rand"
	"strconv"
	"strings"
	"sync"
	"time"
)

// MRNsPerYear is the size of one year's MR-<year>-NNNN space.
const MRNsPerYear = 10000

// MRNGenerator proposes medical record numbers. Uniqueness is enforced by
// the repository; a generator only needs to spread its proposals.
type MRNGenerator interface {
	Next(now time.Time) string
}

// RandomMRN issues MR-<year>-<4 digits>.
type RandomMRN struct {
	mu  sync.Mutex
	rng *rand.Rand
}

func NewRandomMRN(seed int64) *RandomMRN {
	return &RandomMRN{rng: rand.New(rand.NewSource(seed))}
}

func (g *RandomMRN) Next(now time.Time) string {
	g.mu.Lock()
	n := g.rng.Intn(MRNsPerYear)
	g.mu.Unlock()
	return FormatMRN(now.Year(), n)
}

func FormatMRN(year, n int) string {
	return fmt.Sprintf("MR-%d-%04d", year, n)
}

// ParseMRN splits an MR-<year>-<n> code. ok is false for anything else.
func ParseMRN(code string) (year, n int, ok bool) {
	parts := strings.Split(code, "-")
	if len(parts) != 3 || parts[0] != "MR" || len(parts[2]) != 4 {
		return 0, 0, false
	}
	year, err := strconv.Atoi(parts[1])
	if err != nil {
		return 0, 0, false
	}
	n, err = strconv.Atoi(parts[2])
	if err != nil || n < 0 {
		return 0, 0, false
	}
	return year, n, true
}
