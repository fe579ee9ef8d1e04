package maturity

import (
	"math"
	"regexp"
	"strings"
	"time"

	"github.com/lazypower/grove/internal/wikilink"
)

// Thresholds for ShouldDeepen.
const (
	ConnectionThreshold  = 5
	DecayIncomingMinimum = 10
	DefaultDaysThreshold = 7
)

// Depth score weights. They sum to 1.
const (
	weightSynthesisPasses  = 0.20
	weightConnections      = 0.20
	weightReflection       = 0.25
	weightQuestions        = 0.15
	weightCrossDomain      = 0.20
	synthesisPassesCeiling = 5
	connectionsCeiling     = 20
	crossDomainCeiling     = 10
)

// CalculateDepthScore combines synthesis passes, connection density and three
// content signals into a score in [0,1].
func CalculateDepthScore(s State, reflectionDepth, questionSophistication float64, crossDomainConnections int) float64 {
	passes := math.Min(float64(s.Level)/synthesisPassesCeiling, 1)
	density := math.Min(float64(s.Connections.Total())/connectionsCeiling, 1)
	cross := math.Min(float64(crossDomainConnections)/crossDomainCeiling, 1)

	score := passes*weightSynthesisPasses +
		density*weightConnections +
		clamp01(reflectionDepth)*weightReflection +
		clamp01(questionSophistication)*weightQuestions +
		clamp01(cross)*weightCrossDomain
	return clamp01(score)
}

// ShouldDeepen reports which trigger, if any, currently applies.
// A page that has never been deepened counts as infinitely stale.
func ShouldDeepen(s State, now time.Time, daysThreshold int) (Trigger, bool) {
	if daysThreshold <= 0 {
		daysThreshold = DefaultDaysThreshold
	}
	if s.Connections.AddedSinceLastSynthesis >= ConnectionThreshold {
		return TriggerConnectionThreshold, true
	}
	if s.Connections.Incoming >= DecayIncomingMinimum {
		days, ok := s.DaysSinceDeepened(now)
		if !ok || days >= float64(daysThreshold) {
			return TriggerTemporalDecay, true
		}
	}
	return "", false
}

var reflectiveMarkers = []string{
	"because", "therefore", "however", "implies", "suggests", "in contrast",
	"on the other hand", "tension", "underlying", "consequently", "paradox",
}

var wordRe = regexp.MustCompile(`[\p{L}\p{N}']+`)

// ReflectionDepth estimates analytical density from reasoning connectives
// and section structure.
func ReflectionDepth(body string) float64 {
	text := strings.ToLower(wikilink.StripFrontMatter(body))
	words := len(wordRe.FindAllString(text, -1))
	if words == 0 {
		return 0
	}
	markers := 0
	for _, m := range reflectiveMarkers {
		markers += strings.Count(text, m)
	}
	perHundred := float64(markers) * 100 / float64(words)

	sections := 0
	for _, line := range strings.Split(text, "\n") {
		if strings.HasPrefix(strings.TrimSpace(line), "## ") {
			sections++
		}
	}
	return clamp01(0.7*math.Min(perHundred/3, 1) + 0.3*math.Min(float64(sections)/5, 1))
}

var sophisticatedPrefixes = []string{"why", "how", "what if", "to what extent", "under what", "in what way"}

// QuestionSophistication scores the open questions a page carries: more and
// deeper (why/how) questions score higher.
func QuestionSophistication(body string) float64 {
	qs := OpenQuestions(body)
	if len(qs) == 0 {
		return 0
	}
	deep := 0
	for _, q := range qs {
		lq := strings.ToLower(strings.TrimLeft(q, "-*0123456789. "))
		for _, p := range sophisticatedPrefixes {
			if strings.HasPrefix(lq, p) {
				deep++
				break
			}
		}
	}
	ratio := float64(deep) / float64(len(qs))
	return clamp01(0.5*ratio + 0.5*math.Min(float64(len(qs))/5, 1))
}

// OpenQuestions returns the ?-terminated lines of the "Questions" section.
func OpenQuestions(body string) []string {
	section := wikilink.Section(wikilink.StripFrontMatter(body), "Questions")
	if section == "" {
		section = wikilink.Section(wikilink.StripFrontMatter(body), "Open Questions")
	}
	var out []string
	for _, line := range strings.Split(section, "\n") {
		line = strings.TrimSpace(line)
		if strings.HasSuffix(line, "?") {
			out = append(out, strings.TrimSpace(strings.TrimLeft(line, "-* ")))
		}
	}
	return out
}
