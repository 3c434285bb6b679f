package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/harborline/receiving/pkg/admission"
	"github.com/harborline/receiving/pkg/costplan"
	"github.com/harborline/receiving/pkg/fingerprint"
	"github.com/harborline/receiving/pkg/pipeline"
	"github.com/harborline/receiving/pkg/quota"
)

// Profile bundles the tunables an installation adjusts without a rebuild:
// admission thresholds, planner caps and prices, pipeline sizing, and the OCR
// engine policy. Load one with LoadProfile; durations in the YAML use Go
// syntax ("50ms", "30m").
type Profile struct {
	Name      string
	Admission admission.Config
	Caps      costplan.Caps
	Prices    costplan.PriceTable
	Pipeline  pipeline.Config
	OCR       OCRSpec
	LLMTiers  map[string]string // planner tier -> provider model id
}

// OCRSpec configures engine selection.
type OCRSpec struct {
	AvailableMiB    int     `yaml:"available_mib"`
	ConfidenceFloor float64 `yaml:"confidence_floor"`
	Policy          string  `yaml:"policy"` // CEL expression over engine capabilities
}

// rawProfile is the YAML shape. Durations are strings because yaml.v3 does
// not decode "30m" into time.Duration.
type rawProfile struct {
	Name      string `yaml:"name"`
	Admission struct {
		MaxBytes         int64   `yaml:"max_bytes"`
		MinWidth         int     `yaml:"min_width"`
		MinHeight        int     `yaml:"min_height"`
		QualityThreshold float64 `yaml:"quality_threshold"`
		Window           struct {
			Limit int    `yaml:"limit"`
			Span  string `yaml:"span"`
		} `yaml:"window"`
		Fingerprint *fingerprint.Config `yaml:"fingerprint"`
	} `yaml:"admission"`
	Caps struct {
		MaxCalls       int   `yaml:"max_calls"`
		MaxTokens      int64 `yaml:"max_tokens"`
		MaxMoneyMicros int64 `yaml:"max_money_micros"`
	} `yaml:"caps"`
	Prices   map[string]costplan.ModelPrice `yaml:"prices"`
	Pipeline struct {
		Workers         int     `yaml:"workers"`
		TenantQueueSize int     `yaml:"tenant_queue_size"`
		TenantRate      float64 `yaml:"tenant_rate"`
		TenantBurst     int     `yaml:"tenant_burst"`
		AdmitTimeout    string  `yaml:"admit_timeout"`
		ParseTimeout    string  `yaml:"parse_timeout"`
		LLMTimeout      string  `yaml:"llm_timeout"`
		IdleTTL         string  `yaml:"idle_ttl"`
		SweepEvery      string  `yaml:"sweep_every"`
	} `yaml:"pipeline"`
	OCR      OCRSpec           `yaml:"ocr"`
	LLMTiers map[string]string `yaml:"llm_tiers"`
}

// DefaultProfile returns the tunables used when no profile file is set.
func DefaultProfile() *Profile {
	return &Profile{
		Name:      "default",
		Admission: admission.DefaultConfig(),
		Caps:      costplan.DefaultCaps(),
		Prices:    costplan.DefaultPrices(),
		Pipeline:  pipeline.DefaultConfig(),
		OCR: OCRSpec{
			AvailableMiB:    2048,
			ConfidenceFloor: 0.50,
		},
	}
}

// LoadProfile reads and validates one YAML profile. Unset sections keep their
// defaults.
func LoadProfile(path string) (*Profile, error) {
	if !strings.HasSuffix(path, ".yaml") && !strings.HasSuffix(path, ".yml") {
		return nil, fmt.Errorf("config: profile must be a YAML file: %s", path)
	}
	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, fmt.Errorf("config: read profile %s: %w", path, err)
	}

	var raw rawProfile
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("config: parse profile %s: %w", path, err)
	}
	profile, err := raw.apply(DefaultProfile())
	if err != nil {
		return nil, fmt.Errorf("config: invalid profile %s: %w", path, err)
	}
	return profile, nil
}

// apply overlays the raw values onto the defaults, parsing durations and
// rejecting values that would disable admission or unbound spending.
func (r *rawProfile) apply(p *Profile) (*Profile, error) {
	if r.Name != "" {
		p.Name = r.Name
	}

	if r.Admission.MaxBytes != 0 {
		if r.Admission.MaxBytes < 0 {
			return nil, fmt.Errorf("admission.max_bytes must be positive")
		}
		p.Admission.MaxBytes = r.Admission.MaxBytes
	}
	if r.Admission.MinWidth > 0 {
		p.Admission.MinWidth = r.Admission.MinWidth
	}
	if r.Admission.MinHeight > 0 {
		p.Admission.MinHeight = r.Admission.MinHeight
	}
	if r.Admission.QualityThreshold > 0 {
		p.Admission.QualityThreshold = r.Admission.QualityThreshold
	}
	if r.Admission.Window.Limit != 0 {
		if r.Admission.Window.Limit < 0 {
			return nil, fmt.Errorf("admission.window.limit must be positive")
		}
		p.Admission.Window.Limit = r.Admission.Window.Limit
	}
	span, err := parseDuration("admission.window.span", r.Admission.Window.Span)
	if err != nil {
		return nil, err
	}
	if span > 0 {
		p.Admission.Window = quota.Window{Limit: p.Admission.Window.Limit, Span: span}
	}
	if r.Admission.Fingerprint != nil {
		p.Admission.Fingerprint = *r.Admission.Fingerprint
	}

	if r.Caps.MaxCalls != 0 {
		p.Caps.MaxCalls = r.Caps.MaxCalls
	}
	if r.Caps.MaxTokens != 0 {
		p.Caps.MaxTokens = r.Caps.MaxTokens
	}
	if r.Caps.MaxMoneyMicros != 0 {
		p.Caps.MaxMoneyMicros = r.Caps.MaxMoneyMicros
	}
	if p.Caps.MaxCalls <= 0 || p.Caps.MaxTokens <= 0 || p.Caps.MaxMoneyMicros <= 0 {
		return nil, fmt.Errorf("caps must all be positive")
	}

	if len(r.Prices) > 0 {
		for model, price := range r.Prices {
			if price.InPer1KMicros < 0 || price.OutPer1KMicros < 0 {
				return nil, fmt.Errorf("prices.%s must not be negative", model)
			}
		}
		p.Prices = r.Prices
	}

	if r.Pipeline.Workers > 0 {
		p.Pipeline.Workers = r.Pipeline.Workers
	}
	if r.Pipeline.TenantQueueSize > 0 {
		p.Pipeline.TenantQueueSize = r.Pipeline.TenantQueueSize
	}
	if r.Pipeline.TenantRate > 0 {
		p.Pipeline.TenantRate = r.Pipeline.TenantRate
	}
	if r.Pipeline.TenantBurst > 0 {
		p.Pipeline.TenantBurst = r.Pipeline.TenantBurst
	}
	for _, f := range []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"pipeline.admit_timeout", r.Pipeline.AdmitTimeout, &p.Pipeline.AdmitTimeout},
		{"pipeline.parse_timeout", r.Pipeline.ParseTimeout, &p.Pipeline.ParseTimeout},
		{"pipeline.llm_timeout", r.Pipeline.LLMTimeout, &p.Pipeline.LLMTimeout},
		{"pipeline.idle_ttl", r.Pipeline.IdleTTL, &p.Pipeline.IdleTTL},
		{"pipeline.sweep_every", r.Pipeline.SweepEvery, &p.Pipeline.SweepEvery},
	} {
		d, err := parseDuration(f.name, f.raw)
		if err != nil {
			return nil, err
		}
		if d > 0 {
			*f.dst = d
		}
	}

	if r.OCR.AvailableMiB > 0 {
		p.OCR.AvailableMiB = r.OCR.AvailableMiB
	}
	if r.OCR.ConfidenceFloor != 0 {
		if r.OCR.ConfidenceFloor < 0 || r.OCR.ConfidenceFloor > 1 {
			return nil, fmt.Errorf("ocr.confidence_floor must be in [0,1]")
		}
		p.OCR.ConfidenceFloor = r.OCR.ConfidenceFloor
	}
	if r.OCR.Policy != "" {
		p.OCR.Policy = r.OCR.Policy
	}
	if len(r.LLMTiers) > 0 {
		p.LLMTiers = r.LLMTiers
	}

	return p, nil
}

func parseDuration(name, raw string) (time.Duration, error) {
	if raw == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", name, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s must not be negative", name)
	}
	return d, nil
}
