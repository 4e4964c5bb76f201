// Package classify decides whether a listing title describes a trading card of
// the ingested sport.
package classify

import (
	"fmt"
	"strings"

	"github.com/ThachTung/WebScraper/internal/crawler"
)

// Policy selects how many keyword categories a title must satisfy.
type Policy string

const (
	// PolicyManufacturer accepts titles naming a card manufacturer or card term.
	PolicyManufacturer Policy = "manufacturer"
	// PolicyStrict additionally requires a domain keyword such as the sport name.
	PolicyStrict Policy = "strict"
)

// Reason explains a classification outcome.
type Reason string

// Reasons reported by Classify.
const (
	ReasonAccepted       Reason = "accepted"
	ReasonExcluded       Reason = "excluded"
	ReasonNoManufacturer Reason = "no_manufacturer"
	ReasonNoDomain       Reason = "no_domain"
)

// Config holds the keyword sets. Empty sets fall back to the defaults.
type Config struct {
	Policy       Policy   `mapstructure:"policy"`
	Exclusions   []string `mapstructure:"exclusions"`
	Manufacturer []string `mapstructure:"manufacturer"`
	Domain       []string `mapstructure:"domain"`
}

// DefaultConfig returns the shipped keyword sets with the manufacturer policy.
func DefaultConfig() Config {
	return Config{
		Policy: PolicyManufacturer,
		Exclusions: []string{
			"basketball", "nba", "baseball", "mlb", "hockey", "nhl", "nfl",
			"american football", "jersey", "shirt", "poster", "funko", "figurine",
			"bobblehead", "cleats", "pokemon", "yugioh", "magic the gathering",
		},
		Manufacturer: []string{
			"panini", "topps", "upper deck", "bowman", "prizm", "donruss", "select",
			"futera", "merlin", "leaf", "chrome", "mosaic", "rookie", "refractor",
			"card",
		},
		Domain: []string{
			"soccer", "mls", "fifa", "uefa", "premier league", "world cup", "futbol",
		},
	}
}

// Classifier implements crawler.Classifier.
type Classifier struct {
	policy       Policy
	exclusions   []string
	manufacturer []string
	domain       []string
}

// New builds a Classifier from cfg.
func New(cfg Config) (*Classifier, error) {
	def := DefaultConfig()
	policy := Policy(strings.ToLower(strings.TrimSpace(string(cfg.Policy))))
	switch policy {
	case "":
		policy = PolicyManufacturer
	case PolicyManufacturer, PolicyStrict:
	default:
		return nil, fmt.Errorf("unknown classifier policy %q", cfg.Policy)
	}
	c := &Classifier{
		policy:       policy,
		exclusions:   normalize(cfg.Exclusions, def.Exclusions),
		manufacturer: normalize(cfg.Manufacturer, def.Manufacturer),
		domain:       normalize(cfg.Domain, def.Domain),
	}
	if c.policy == PolicyStrict && len(c.domain) == 0 {
		return nil, fmt.Errorf("strict policy needs at least one domain keyword")
	}
	return c, nil
}

// Policy reports the active policy.
func (c *Classifier) Policy() Policy {
	return c.policy
}

// Classify applies the rules in order: exclusions, manufacturer keywords, and
// under the strict policy, domain keywords.
func (c *Classifier) Classify(title string) Reason {
	lower := strings.ToLower(title)
	switch {
	case containsAny(lower, c.exclusions):
		return ReasonExcluded
	case !containsAny(lower, c.manufacturer):
		return ReasonNoManufacturer
	case c.policy == PolicyStrict && !containsAny(lower, c.domain):
		return ReasonNoDomain
	default:
		return ReasonAccepted
	}
}

// Accept reports whether the title passes classification.
func (c *Classifier) Accept(title string) bool {
	return c.Classify(title) == ReasonAccepted
}

// Stats counts outcomes by reason.
type Stats map[Reason]int

// Rejected sums every non-accepted outcome.
func (s Stats) Rejected() int {
	n := 0
	for reason, count := range s {
		if reason != ReasonAccepted {
			n += count
		}
	}
	return n
}

// Filter keeps the accepted records in order and tallies every decision.
func (c *Classifier) Filter(records []crawler.Record) ([]crawler.Record, Stats) {
	stats := Stats{}
	kept := make([]crawler.Record, 0, len(records))
	for _, rec := range records {
		reason := c.Classify(rec.Title)
		stats[reason]++
		if reason == ReasonAccepted {
			kept = append(kept, rec)
		}
	}
	return kept, stats
}

func normalize(words, fallback []string) []string {
	if len(words) == 0 {
		words = fallback
	}
	out := make([]string, 0, len(words))
	for _, w := range words {
		w = strings.ToLower(strings.TrimSpace(w))
		if w != "" {
			out = append(out, w)
		}
	}
	return out
}

func containsAny(s string, words []string) bool {
	for _, w := range words {
		if strings.Contains(s, w) {
			return true
		}
	}
	return false
}
