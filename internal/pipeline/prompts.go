package pipeline

import (
	"fmt"
	"strings"

	"github.com/numismatch/numismatch/internal/domain"
	"github.com/numismatch/numismatch/internal/tools"
)

const triageSystemPrompt = "You are the triage step of a Roman coin appraisal service. " +
	"Decide whether the user's text and/or photo describes an ancient Roman coin. " +
	"Greek, Byzantine, Celtic, medieval and modern coins are NOT Roman. " +
	"Reply with JSON: {\"verdict\": \"coin_related\" | \"not_coin_related\" | \"ambiguous\", " +
	"\"response\": \"<one short sentence for the user explaining a negative or ambiguous verdict>\"}. " +
	"Never guess: if the input could plausibly be a Roman coin, answer coin_related."

const identifierSystemPrompt = "You are an expert Roman numismatist. Identify the coin from the " +
	"user's description and/or photo: emperor, denomination, metal, period, mint, inscriptions, " +
	"and catalog references (RIC, RSC, Sear, Cohen, BMCRE). " +
	"Reply with JSON matching this schema: {\"emperor\": str, \"denomination\": str, \"metal\": str, " +
	"\"period\": str, \"mint\": str, \"diameter_mm\": number, \"weight_g\": number, \"condition\": str, " +
	"\"inscriptions\": {\"obverse\": str, \"reverse\": str}, " +
	"\"catalog_numbers\": [{\"catalog_type\": str, \"number\": str, \"source\": str}], " +
	"\"confidence\": {\"<field>\": \"high\"|\"medium\"|\"low\"}}. " +
	"Leave out any field you cannot establish; never invent values. " +
	"Use \"Not fully legible\" for unreadable inscriptions."

const researcherSystemPrompt = "You normalize raw auction search results into comparable sale " +
	"records for a specific Roman coin. Reply with a JSON array of objects: " +
	"{\"source\": str, \"price\": number, \"currency\": \"USD\"|\"EUR\"|\"GBP\"|..., \"date\": \"YYYY-MM-DD\" or \"YYYY\", " +
	"\"condition\": str, \"denomination\": str, \"link\": str, \"image_url\": str, \"notes\": str}. " +
	"Only include listings that state an actual price for a comparable coin. " +
	"Set denomination from the listing itself; leave it empty when the listing does not state one. " +
	"Never fabricate prices, dates or sources; drop listings that are not sales."

const validatorSystemPrompt = "You validate a Roman coin identification against researched sales " +
	"data. Check that the emperor, denomination, period and catalog references are mutually " +
	"consistent and that the sales plausibly refer to the same coin type. " +
	"Reply with JSON: {\"consistent\": bool, \"issues\": [str]}. " +
	"Report an issue only for a concrete, named inconsistency, not for residual uncertainty; " +
	"missing fields alone are not inconsistencies."

func buildTriagePrompt(in Input) string {
	var b strings.Builder
	b.WriteString("User input:\n")
	b.WriteString(strings.TrimSpace(in.Message))
	if len(in.Image) > 0 {
		b.WriteString("\n\nA photo of the object is attached.")
	}
	if len(in.History) > 0 {
		b.WriteString("\n\nRecent conversation:\n")
		for _, t := range in.History {
			b.WriteString(fmt.Sprintf("%s: %s\n", t.Role, t.Content))
		}
	}
	return b.String()
}

func buildIdentifierPrompt(res *Result) string {
	var b strings.Builder
	b.WriteString("User input:\n")
	b.WriteString(strings.TrimSpace(res.Input.Message))
	if len(res.Input.Image) > 0 {
		b.WriteString("\n\nA photo of the coin is attached.")
	}
	// On a validation retry, feed the validator's findings back so the
	// identifier can correct the named inconsistency.
	if res.RetryCount > 0 && res.Validation != nil && len(res.Validation.Issues) > 0 {
		b.WriteString("\n\nA previous identification attempt was rejected for these reasons:\n")
		for _, issue := range res.Validation.Issues {
			b.WriteString("- ")
			b.WriteString(issue)
			b.WriteString("\n")
		}
		b.WriteString("Address each issue in your new identification.")
	}
	return b.String()
}

func buildResearcherPrompt(details domain.CoinDetails, listings []tools.Listing) string {
	var b strings.Builder
	b.WriteString("Coin under appraisal:\n")
	b.WriteString(describeCoin(details))
	b.WriteString("\n\nRaw search results (source | title | price | date | condition | url | notes):\n")
	if len(listings) == 0 {
		b.WriteString("(no results returned)\n")
	}
	for i, l := range listings {
		b.WriteString(fmt.Sprintf("%d. %s | %s | %s | %s | %s | %s | %s\n",
			i+1, l.Source, trimField(l.Title), trimField(l.Price), trimField(l.Date),
			trimField(l.Condition), trimField(l.URL), trimField(l.Notes)))
	}
	b.WriteString("\nNormalize these into comparable sale records for this exact coin type.")
	return b.String()
}

func buildValidatorPrompt(res *Result) string {
	var b strings.Builder
	b.WriteString("Identification:\n")
	if res.CoinDetails != nil {
		b.WriteString(describeCoin(*res.CoinDetails))
	} else {
		b.WriteString("(none)")
	}
	b.WriteString("\n\nResearched sales:\n")
	if len(res.Sales) == 0 {
		b.WriteString("(none)\n")
	}
	for _, s := range res.Sales {
		b.WriteString(fmt.Sprintf("- %s: %.2f %s on %s, condition %s, denomination %s\n",
			s.Source, s.Price, s.Currency, s.Date, orUnknown(s.Condition), orUnknown(s.Denomination)))
	}
	b.WriteString(fmt.Sprintf("\nRetries already used: %d\n", res.RetryCount))
	b.WriteString("Assess whether the identification and the sales are mutually consistent.")
	return b.String()
}

func describeCoin(d domain.CoinDetails) string {
	var b strings.Builder
	writeField := func(name, value string) {
		if value != "" {
			b.WriteString(fmt.Sprintf("%s: %s\n", name, value))
		}
	}
	writeField("Emperor", d.Emperor)
	writeField("Denomination", d.Denomination)
	writeField("Metal", d.Metal)
	writeField("Period", d.Period)
	writeField("Mint", d.Mint)
	if d.DiameterMM > 0 {
		b.WriteString(fmt.Sprintf("Diameter: %.1f mm\n", d.DiameterMM))
	}
	if d.WeightG > 0 {
		b.WriteString(fmt.Sprintf("Weight: %.2f g\n", d.WeightG))
	}
	writeField("Condition", d.Condition)
	writeField("Obverse", d.Inscriptions.Obverse)
	writeField("Reverse", d.Inscriptions.Reverse)
	for _, c := range d.CatalogNumbers {
		b.WriteString(fmt.Sprintf("Catalog: %s %s\n", c.CatalogType, c.Number))
	}
	return strings.TrimRight(b.String(), "\n")
}

func trimField(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return "-"
	}
	if len(s) > 300 {
		s = s[:300] + "..."
	}
	return s
}

func orUnknown(s string) string {
	if s == "" {
		return "unknown"
	}
	return s
}
