package sampling

import (
	"math"
	"sort"
	"strconv"
	"strings"

	"github.com/gambtho/container-assist/internal/workflow"
)

// Weights maps named score components to their weight. Weights for a stage
// sum to 1.0.
type Weights map[string]float64

// Component names used by the built-in scorers.
const (
	ComponentSecurity   = "security_practices"
	ComponentEfficiency = "build_efficiency"
	ComponentRuntime    = "runtime_optimization"
	ComponentCompliance = "standards_compliance"
	ComponentResilience = "resilience"
)

// DefaultWeights returns the stock weight set per stage kind. The 40/25/20/15
// artifact split is a documented default, not hard law: override it via the
// engine configuration.
func DefaultWeights() map[workflow.Stage]Weights {
	return map[workflow.Stage]Weights{
		workflow.StageArtifactGeneration: {
			ComponentSecurity:   0.40,
			ComponentEfficiency: 0.25,
			ComponentRuntime:    0.20,
			ComponentCompliance: 0.15,
		},
		workflow.StageManifestGeneration: {
			ComponentSecurity:   0.35,
			ComponentResilience: 0.35,
			ComponentCompliance: 0.30,
		},
	}
}

// Score computes the weighted score of a candidate. It is a pure function of
// candidate content, context and weights: identical inputs always yield an
// identical score and breakdown.
func Score(candidate Candidate, sctx *Context, weights Weights) ScoredCandidate {
	breakdown := make(map[string]float64, len(weights))
	total := 0.0

	for component, weight := range weights {
		raw := rateComponent(component, candidate.Content, sctx)
		weighted := round4(raw * weight)
		breakdown[component] = weighted
		total += weighted
	}

	return ScoredCandidate{
		Candidate: candidate,
		Score:     round4(total),
		Breakdown: breakdown,
	}
}

// SelectWinner returns the candidate with the maximum score. Ties resolve to
// the candidate generated first (lowest Seq).
func SelectWinner(candidates []ScoredCandidate) (ScoredCandidate, error) {
	if len(candidates) == 0 {
		return ScoredCandidate{}, ErrNoCandidates
	}
	winner := candidates[0]
	for _, c := range candidates[1:] {
		if c.Score > winner.Score || (c.Score == winner.Score && c.Seq < winner.Seq) {
			winner = c
		}
	}
	return winner, nil
}

// SelectTopN returns the n best candidates, stable-sorted descending by
// score with the same first-generated tie-break as SelectWinner.
func SelectTopN(candidates []ScoredCandidate, n int) []ScoredCandidate {
	sorted := append([]ScoredCandidate(nil), candidates...)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].Score != sorted[j].Score {
			return sorted[i].Score > sorted[j].Score
		}
		return sorted[i].Seq < sorted[j].Seq
	})
	if n > len(sorted) {
		n = len(sorted)
	}
	return sorted[:n]
}

func rateComponent(component, content string, sctx *Context) float64 {
	switch component {
	case ComponentSecurity:
		return rateSecurity(content)
	case ComponentEfficiency:
		return rateEfficiency(content)
	case ComponentRuntime:
		return rateRuntime(content)
	case ComponentCompliance:
		return rateCompliance(content, sctx)
	case ComponentResilience:
		return rateResilience(content)
	default:
		return 0
	}
}

// checklist returns the fraction of passed checks.
func checklist(checks ...bool) float64 {
	if len(checks) == 0 {
		return 0
	}
	passed := 0
	for _, ok := range checks {
		if ok {
			passed++
		}
	}
	return float64(passed) / float64(len(checks))
}

func rateSecurity(content string) float64 {
	return checklist(
		strings.Contains(content, "USER ") || strings.Contains(content, "runAsNonRoot: true"),
		!strings.Contains(content, ":latest"),
		strings.Contains(content, "HEALTHCHECK") ||
			strings.Contains(content, "livenessProbe") ||
			strings.Contains(content, "allowPrivilegeEscalation: false"),
		!strings.Contains(content, "ADD "),
		!strings.Contains(content, "curl | sh") && !strings.Contains(content, "sudo "),
	)
}

func rateEfficiency(content string) float64 {
	return checklist(
		strings.Count(content, "FROM ") > 1,
		strings.Contains(content, "alpine") || strings.Contains(content, "slim") ||
			strings.Contains(content, "distroless"),
		strings.Count(content, "RUN ") <= 3,
		strings.Contains(content, "--no-cache") || strings.Contains(content, "npm ci") ||
			!strings.Contains(content, "RUN "),
	)
}

func rateRuntime(content string) float64 {
	return checklist(
		strings.Contains(content, "WORKDIR "),
		strings.Contains(content, "EXPOSE "),
		strings.Contains(content, "CMD [") || strings.Contains(content, "ENTRYPOINT ["),
		!strings.Contains(content, "CMD sh -c"),
	)
}

func rateCompliance(content string, sctx *Context) float64 {
	portOK := true
	if sctx != nil && len(sctx.Ports) > 0 {
		portOK = strings.Contains(content, strconv.Itoa(sctx.Ports[0]))
	}
	return checklist(
		strings.HasPrefix(strings.TrimSpace(content), "FROM ") ||
			strings.HasPrefix(strings.TrimSpace(content), "apiVersion:"),
		!strings.Contains(content, "MAINTAINER"),
		portOK,
		strings.Contains(content, "CMD ") || strings.Contains(content, "ENTRYPOINT ") ||
			strings.Contains(content, "kind: Service"),
	)
}

func rateResilience(content string) float64 {
	return checklist(
		strings.Contains(content, "replicas: 2") || strings.Contains(content, "replicas: 3") ||
			strings.Contains(content, "HorizontalPodAutoscaler"),
		strings.Contains(content, "readinessProbe"),
		strings.Contains(content, "livenessProbe"),
		strings.Contains(content, "limits:"),
		strings.Contains(content, "RollingUpdate") || strings.Contains(content, "strategy:"),
	)
}

// round4 keeps scores stable across float accumulation order.
func round4(f float64) float64 {
	return math.Round(f*10000) / 10000
}
