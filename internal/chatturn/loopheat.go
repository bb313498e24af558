package chatturn

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"

	"github.com/MLTQ/ponderer-backend/pkg/models"
)

// DigestTokens returns the normalized whitespace-split token set used for
// Jaccard similarity, lower-cased so near-duplicate turns with different
// casing still register as similar.
func DigestTokens(s string) map[string]struct{} {
	fields := strings.Fields(strings.ToLower(s))
	set := make(map[string]struct{}, len(fields))
	for _, f := range fields {
		set[f] = struct{}{}
	}
	return set
}

func digest(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:8])
}

// BuildSignature computes a turn's (response_digest, action_digest,
// tool_set_digest) triple.
func BuildSignature(visibleText string, toolNames []string) models.LoopHeatSignature {
	sorted := append([]string(nil), toolNames...)
	sort.Strings(sorted)
	return models.LoopHeatSignature{
		ResponseDigest: digest(visibleText),
		ActionDigest:   digest(strings.Join(sorted, ",")),
		ToolSetDigest:  digest(strings.Join(sorted, "|")),
	}
}

func signatureTokens(sig models.LoopHeatSignature) map[string]struct{} {
	return DigestTokens(sig.ResponseDigest + " " + sig.ActionDigest + " " + sig.ToolSetDigest)
}

// jaccard computes |A∩B| / |A∪B| over two token sets.
func jaccard(a, b map[string]struct{}) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 1
	}
	intersection := 0
	for t := range a {
		if _, ok := b[t]; ok {
			intersection++
		}
	}
	union := len(a) + len(b) - intersection
	if union == 0 {
		return 0
	}
	return float64(intersection) / float64(union)
}

// LoopHeat tracks a sliding window of prior turn signatures and an
// escalating heat counter used to detect and break repetition loops.
type LoopHeat struct {
	window              []models.LoopHeatSignature
	windowSize          int
	similarityThreshold float64
	heatThreshold       int
	cooldown            int
	heat                int
}

// NewLoopHeat builds a LoopHeat from config.LoopConfig's tuning fields.
// Zero/negative values fall back to the package defaults (24-entry
// window, 0.92 similarity threshold, heat threshold 20, cooldown 1) so
// callers can pass a zero-value config through unchanged.
func NewLoopHeat(windowSize int, similarityThreshold float64, heatThreshold int, cooldown int) *LoopHeat {
	if windowSize <= 0 {
		windowSize = 24
	}
	if similarityThreshold <= 0 {
		similarityThreshold = 0.92
	}
	if heatThreshold <= 0 {
		heatThreshold = 20
	}
	if cooldown <= 0 {
		cooldown = 1
	}
	return &LoopHeat{windowSize: windowSize, similarityThreshold: similarityThreshold, heatThreshold: heatThreshold, cooldown: cooldown}
}

// DefaultLoopHeat returns a LoopHeat with the package defaults: a 24-entry
// window, 0.92 similarity threshold, heat threshold 20 (checked via Hot()).
func DefaultLoopHeat() *LoopHeat {
	return NewLoopHeat(0, 0, 0, 0)
}

// Observe records a new turn signature, updates heat, and returns the
// updated heat level.
func (lh *LoopHeat) Observe(sig models.LoopHeatSignature) int {
	tokens := signatureTokens(sig)
	similar := false
	for _, prior := range lh.window {
		if jaccard(tokens, signatureTokens(prior)) >= lh.similarityThreshold {
			similar = true
			break
		}
	}
	if similar {
		lh.heat++
	} else {
		lh.heat -= lh.cooldown
		if lh.heat < 0 {
			lh.heat = 0
		}
	}

	lh.window = append(lh.window, sig)
	if len(lh.window) > lh.windowSize {
		lh.window = lh.window[len(lh.window)-lh.windowSize:]
	}
	return lh.heat
}

// Hot reports whether heat has reached the force-yield threshold.
func (lh *LoopHeat) Hot() bool {
	return lh.heat >= lh.heatThreshold
}

// LastActionDigest returns the ActionDigest of the most recently observed
// turn signature, or "" if the window is empty (the first turn of a
// conversation).
func (lh *LoopHeat) LastActionDigest() string {
	if len(lh.window) == 0 {
		return ""
	}
	return lh.window[len(lh.window)-1].ActionDigest
}
