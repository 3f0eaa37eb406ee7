package intel

import (
	"math"
	"strings"
)

// ValidateFeed checks operator supplied feed fields.
func ValidateFeed(f Feed) error {
	if strings.TrimSpace(f.Name) == "" {
		return Validationf("feed name is required")
	}
	if !strings.HasPrefix(f.URL, "http://") && !strings.HasPrefix(f.URL, "https://") {
		return Validationf("feed url must be http(s)")
	}
	if !f.SourceType.Valid() {
		return Validationf("unsupported source type %q", f.SourceType)
	}
	if f.FetchIntervalMinutes <= 0 {
		return Validationf("fetch_interval_minutes must be > 0")
	}
	return nil
}

// Apply copies the set fields of edit onto f.
func (f *Feed) Apply(edit FeedEdit) {
	if edit.Name != nil {
		f.Name = strings.TrimSpace(*edit.Name)
	}
	if edit.URL != nil {
		f.URL = strings.TrimSpace(*edit.URL)
	}
	if edit.SourceType != nil {
		f.SourceType = FeedSourceType(strings.ToUpper(string(*edit.SourceType)))
	}
	if edit.FetchIntervalMinutes != nil {
		f.FetchIntervalMinutes = *edit.FetchIntervalMinutes
	}
	if edit.IsActive != nil {
		f.IsActive = *edit.IsActive
	}
}

// NormalizePattern canonicalizes a policy pattern. Patterns keep an optional
// leading "*." wildcard; everything else is lowercased and trimmed of dots.
func NormalizePattern(raw string) (string, error) {
	p := strings.ToLower(strings.TrimSpace(raw))
	wildcard := strings.HasPrefix(p, "*.")
	p = strings.Trim(strings.TrimPrefix(p, "*."), ".")
	if p == "" {
		return "", Validationf("pattern is required")
	}
	if strings.ContainsAny(p, " /\t*") {
		return "", Validationf("invalid pattern %q", raw)
	}
	if wildcard {
		return "*." + p, nil
	}
	return p, nil
}

// ValidateCategoryName trims and checks a category name.
func ValidateCategoryName(name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", Validationf("category name is required")
	}
	if len(name) > 64 {
		return "", Validationf("category name must be at most 64 characters")
	}
	return name, nil
}

// ValidatePatch checks a KB edit before any mutation.
func ValidatePatch(p KBPatch) error {
	if p.Empty() {
		return Validationf("patch changes nothing")
	}
	if p.Confidence != nil && (*p.Confidence < 0 || *p.Confidence > 1 || math.IsNaN(*p.Confidence)) {
		return Validationf("confidence must be within [0, 1]")
	}
	if p.Category != nil && strings.TrimSpace(*p.Category) == "" {
		return Validationf("category must not be empty")
	}
	return nil
}

// Apply copies the set fields of p onto k.
func (p KBPatch) Apply(k *KBItem) {
	if p.Category != nil {
		k.Category = strings.TrimSpace(*p.Category)
	}
	if p.IsMalicious != nil {
		k.IsMalicious = *p.IsMalicious
	}
	if p.Confidence != nil {
		k.Confidence = *p.Confidence
	}
	if p.Summary != nil {
		k.Summary = *p.Summary
	}
}

// ClampConfidence bounds model supplied confidence to [0, 1].
func ClampConfidence(c float64) float64 {
	if math.IsNaN(c) || c < 0 {
		return 0
	}
	if c > 1 {
		return 1
	}
	return c
}
