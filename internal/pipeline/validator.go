package pipeline

import (
	"context"
	"log/slog"
	"strings"

	"github.com/numismatch/numismatch/internal/domain"
	"github.com/numismatch/numismatch/internal/inference"
)

// reignPeriods maps rulers to the broad period their coinage belongs to.
// Used to catch identifications that pair a ruler with the wrong era.
var reignPeriods = map[string]string{
	"julius caesar":     "roman republic",
	"augustus":          "roman imperial",
	"tiberius":          "roman imperial",
	"caligula":          "roman imperial",
	"claudius":          "roman imperial",
	"nero":              "roman imperial",
	"vespasian":         "roman imperial",
	"titus":             "roman imperial",
	"domitian":          "roman imperial",
	"nerva":             "roman imperial",
	"trajan":            "roman imperial",
	"hadrian":           "roman imperial",
	"antoninus pius":    "roman imperial",
	"marcus aurelius":   "roman imperial",
	"commodus":          "roman imperial",
	"septimius severus": "roman imperial",
	"caracalla":         "roman imperial",
	"severus alexander": "roman imperial",
	"gordian iii":       "roman imperial",
	"philip i":          "roman imperial",
	"valerian":          "roman imperial",
	"gallienus":         "roman imperial",
	"aurelian":          "roman imperial",
	"diocletian":        "roman imperial",
	"constantine":       "roman imperial",
	"constantine i":     "roman imperial",
	"constantius ii":    "roman imperial",
	"julian":            "roman imperial",
	"theodosius":        "roman imperial",

	"alexander iii":       "greek",
	"alexander the great": "greek",
	"philip ii":           "greek",
	"lysimachos":          "greek",
	"ptolemy i":           "greek",

	"justinian":   "byzantine",
	"justinian i": "byzantine",
	"heraclius":   "byzantine",
}

// denominationPeriods maps denominations to the periods in which they were
// struck. Empty entry means no constraint is known.
var denominationPeriods = map[string][]string{
	"denarius":     {"roman republic", "roman imperial"},
	"aureus":       {"roman republic", "roman imperial"},
	"sestertius":   {"roman republic", "roman imperial"},
	"dupondius":    {"roman imperial"},
	"as":           {"roman republic", "roman imperial"},
	"antoninianus": {"roman imperial"},
	"follis":       {"roman imperial", "byzantine"},
	"solidus":      {"roman imperial", "byzantine"},
	"siliqua":      {"roman imperial"},
	"tetradrachm":  {"greek", "roman imperial"},
	"drachm":       {"greek"},
	"didrachm":     {"greek"},
	"obol":         {"greek"},
	"stater":       {"greek"},
	"hyperpyron":   {"byzantine"},
	"tremissis":    {"roman imperial", "byzantine"},
	"nomisma":      {"byzantine"},
}

// ValidatorStage cross-checks the identification against known period and
// denomination constraints and the gathered sales, then decides whether the
// identifier should run again.
type ValidatorStage struct {
	client     inference.Client
	model      string
	maxRetries int
	logger     *slog.Logger
}

// NewValidatorStage constructs the validation stage.
func NewValidatorStage(client inference.Client, model string, maxRetries int, logger *slog.Logger) *ValidatorStage {
	if logger == nil {
		logger = slog.Default()
	}
	return &ValidatorStage{client: client, model: model, maxRetries: maxRetries, logger: logger}
}

// Name implements Stage.
func (s *ValidatorStage) Name() string { return "validate" }

// Run sets res.Validation. The model cross-check is advisory: when it fails,
// the deterministic checks alone decide, so a flaky model never blocks the
// pipeline.
func (s *ValidatorStage) Run(ctx context.Context, res *Result) error {
	notes := domain.ValidationNotes{Confidence: "high"}

	if res.CoinDetails == nil || res.CoinDetails.IsEmpty() {
		notes.Issues = append(notes.Issues, "identification produced no usable coin details")
		notes.Confidence = "low"
	} else {
		notes.Issues = append(notes.Issues, checkDetails(*res.CoinDetails)...)
		notes.Issues = append(notes.Issues, checkAgainstSales(*res.CoinDetails, res.Sales)...)
	}

	if modelIssues, ok := s.crossCheck(ctx, res); ok {
		notes.Issues = append(notes.Issues, modelIssues...)
	} else if err := ctx.Err(); err != nil {
		return err
	}

	if len(notes.Issues) > 0 {
		notes.Confidence = "low"
		if res.RetryCount < s.maxRetries {
			notes.NeedsRetry = true
			notes.RetryStages = []string{"identify"}
		} else {
			notes.Notes = append(notes.Notes, "inconsistencies remain after exhausting identification retries")
		}
	}

	res.Validation = &notes
	return nil
}

// checkDetails runs the deterministic period and denomination checks.
func checkDetails(d domain.CoinDetails) []string {
	var issues []string

	if d.Emperor == "" && d.Denomination == "" && len(d.CatalogNumbers) == 0 {
		issues = append(issues, "neither ruler, denomination nor catalog reference was identified")
	}

	ruler := strings.ToLower(strings.TrimSpace(d.Emperor))
	denom := strings.ToLower(strings.TrimSpace(d.Denomination))
	period := strings.ToLower(strings.TrimSpace(d.Period))

	rulerPeriod, rulerKnown := reignPeriods[ruler]
	if rulerKnown && period != "" && !periodsCompatible(period, rulerPeriod) {
		issues = append(issues, "ruler "+d.Emperor+" does not belong to the stated period "+d.Period)
	}

	if denom != "" {
		allowed, known := denominationPeriods[denom]
		if known {
			ref := period
			if ref == "" && rulerKnown {
				ref = rulerPeriod
			}
			if ref != "" {
				ok := false
				for _, a := range allowed {
					if periodsCompatible(ref, a) {
						ok = true
						break
					}
				}
				if !ok {
					issues = append(issues, "denomination "+d.Denomination+" was not struck in the "+orUnknown(d.Period)+" period")
				}
			}
		}
	}
	return issues
}

func periodsCompatible(a, b string) bool {
	return strings.Contains(a, b) || strings.Contains(b, a)
}

// checkAgainstSales flags an identification whose denomination never appears
// in any of the gathered comparable sales.
func checkAgainstSales(d domain.CoinDetails, sales []domain.HistoricalSale) []string {
	if d.Denomination == "" || len(sales) < 3 {
		return nil
	}
	for _, sale := range sales {
		if sale.Denomination == "" || sameDenomination(d.Denomination, sale.Denomination) {
			return nil
		}
	}
	return []string{"no gathered sale matches the identified denomination " + d.Denomination}
}

type validatorOutput struct {
	Consistent bool     `json:"consistent"`
	Issues     []string `json:"issues"`
}

// crossCheck asks the model for a second opinion. Returns ok=false when the
// call failed or produced unusable output.
func (s *ValidatorStage) crossCheck(ctx context.Context, res *Result) ([]string, bool) {
	resp, err := s.client.Infer(ctx, inference.Request{
		Model:     s.model,
		System:    validatorSystemPrompt,
		Prompt:    buildValidatorPrompt(res),
		ForceJSON: true,
	})
	if err != nil {
		s.logger.Warn("validator cross-check unavailable", "error", err)
		return nil, false
	}
	var out validatorOutput
	if err := decodeJSON(resp.Text, &out); err != nil {
		s.logger.Warn("validator cross-check output unparseable", "error", err)
		return nil, false
	}
	if out.Consistent {
		return nil, true
	}
	var issues []string
	for _, issue := range out.Issues {
		issue = strings.TrimSpace(issue)
		if issue != "" {
			issues = append(issues, issue)
		}
	}
	return issues, true
}
