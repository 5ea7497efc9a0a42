package repository

import (
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/promo-platform/services/bonus/internal/domain"
)

// Errors
var (
	ErrInvalidTemplate = errors.New("invalid bonus template")
)

// TemplateFile is the on-disk template catalogue
type TemplateFile struct {
	Templates []*domain.BonusTemplate `yaml:"bonus_templates"`
}

// LoadTemplates reads and validates a YAML template catalogue
func LoadTemplates(path string) ([]*domain.BonusTemplate, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open templates file: %w", err)
	}
	defer f.Close()

	return DecodeTemplates(f)
}

// DecodeTemplates decodes and validates templates from r
func DecodeTemplates(r io.Reader) ([]*domain.BonusTemplate, error) {
	var file TemplateFile
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&file); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to decode templates: %w", err)
	}

	seen := make(map[string]bool, len(file.Templates))
	var errs []error
	for i, t := range file.Templates {
		if err := validateTemplate(t); err != nil {
			errs = append(errs, fmt.Errorf("template %d: %w", i, err))
			continue
		}
		if seen[t.ID] {
			errs = append(errs, fmt.Errorf("template %d: %w: duplicate id %s", i, ErrInvalidTemplate, t.ID))
			continue
		}
		seen[t.ID] = true
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return file.Templates, nil
}

// NewYAMLTemplateStore loads templates from path into an in-process store
func NewYAMLTemplateStore(path string) (*MemoryTemplateStore, error) {
	templates, err := LoadTemplates(path)
	if err != nil {
		return nil, err
	}
	return NewMemoryTemplateStore(templates...), nil
}

func validateTemplate(t *domain.BonusTemplate) error {
	if t == nil {
		return fmt.Errorf("%w: empty entry", ErrInvalidTemplate)
	}
	if t.ID == "" || t.Code == "" {
		return fmt.Errorf("%w: id and code are required", ErrInvalidTemplate)
	}
	if t.Type == "" {
		return fmt.Errorf("%w: %s has no type", ErrInvalidTemplate, t.ID)
	}
	switch t.ValueType {
	case domain.ValueFixed, domain.ValuePercentage, domain.ValueTiered, domain.ValueDynamic:
	default:
		return fmt.Errorf("%w: %s has unknown value type %q", ErrInvalidTemplate, t.ID, t.ValueType)
	}
	if t.Value.IsNegative() || t.TurnoverMultiplier.IsNegative() {
		return fmt.Errorf("%w: %s has negative value or turnover multiplier", ErrInvalidTemplate, t.ID)
	}
	for category, rate := range t.ActivityContributions {
		if rate < 0 || rate > 100 {
			return fmt.Errorf("%w: %s contribution for %s out of range", ErrInvalidTemplate, t.ID, category)
		}
	}
	if t.ValidFrom != nil && t.ValidUntil != nil && t.ValidUntil.Before(*t.ValidFrom) {
		return fmt.Errorf("%w: %s validity window ends before it starts", ErrInvalidTemplate, t.ID)
	}
	return nil
}
