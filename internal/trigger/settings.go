// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package trigger

import (
	"errors"
	"fmt"
	"maps"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

// ErrInvalidSettings is wrapped by every settings validation failure.
var ErrInvalidSettings = errors.New("invalid trigger settings")

const (
	MinSlidingWindowDuration = time.Second
	MaxSlidingWindowDuration = 24 * time.Hour
	MinCounterInterval       = time.Second
	MaxCounterInterval       = 24 * time.Hour
)

const (
	EitherGreaterThanLessThanMessage         = "Either the GreaterThan field or the LessThan field are required."
	GreaterThanMustBeLessThanLessThanMessage = "The GreaterThan field must be less than the LessThan field."
	MissingHistogramModeOrPercentilesMessage = "Either the HistogramMode field or the HistogramPercentiles field is missing."
	MixedThresholdsMessage                   = "The GreaterThan and LessThan fields cannot be combined with HistogramMode."
	WholeSecondsIntervalMessage              = "The CounterInterval field must be a whole number of seconds."
	InvalidPercentileMessage                 = "HistogramPercentiles keys must be percentiles between 0 and 100."
)

// HistogramMode selects the direction histogram percentiles are compared in.
type HistogramMode string

const (
	HistogramGreaterThan HistogramMode = "greater-than"
	HistogramLessThan    HistogramMode = "less-than"
)

// Settings configures a trigger over a structured instrument.
type Settings struct {
	// ProviderName is the meter publishing the instrument
	ProviderName string `json:"providerName" yaml:"providerName" validate:"required"`
	// InstrumentName is the instrument to monitor
	InstrumentName string `json:"instrumentName" yaml:"instrumentName" validate:"required"`

	GreaterThan *float64 `json:"greaterThan,omitempty" yaml:"greaterThan,omitempty"`
	LessThan    *float64 `json:"lessThan,omitempty" yaml:"lessThan,omitempty"`

	HistogramMode *HistogramMode `json:"histogramMode,omitempty" yaml:"histogramMode,omitempty" validate:"omitempty,oneof=greater-than less-than"`
	// HistogramPercentiles maps a percentile (0-100) to its threshold
	HistogramPercentiles map[string]float64 `json:"histogramPercentiles,omitempty" yaml:"histogramPercentiles,omitempty"`

	// SlidingWindowDuration is how long the condition must hold
	SlidingWindowDuration time.Duration `json:"slidingWindowDuration" yaml:"slidingWindowDuration" validate:"min=1s,max=24h"`
	// CounterInterval is the sampling interval of the instrument
	CounterInterval time.Duration `json:"counterInterval" yaml:"counterInterval" validate:"min=1s,max=24h"`

	MaxHistograms int `json:"maxHistograms,omitempty" yaml:"maxHistograms,omitempty" validate:"gte=0"`
	MaxTimeSeries int `json:"maxTimeSeries,omitempty" yaml:"maxTimeSeries,omitempty" validate:"gte=0"`
}

// EventCounterSettings configures a trigger over a classic event counter.
type EventCounterSettings struct {
	ProviderName string `json:"providerName" yaml:"providerName" validate:"required"`
	CounterName  string `json:"counterName" yaml:"counterName" validate:"required"`

	GreaterThan *float64 `json:"greaterThan,omitempty" yaml:"greaterThan,omitempty"`
	LessThan    *float64 `json:"lessThan,omitempty" yaml:"lessThan,omitempty"`

	SlidingWindowDuration time.Duration `json:"slidingWindowDuration" yaml:"slidingWindowDuration" validate:"min=1s,max=24h"`
	CounterInterval       time.Duration `json:"counterInterval" yaml:"counterInterval" validate:"min=1s,max=24h"`
}

var validate = validator.New()

// FieldError describes a single rejected field.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationError holds every problem found in a settings value.
type ValidationError struct {
	Errors []FieldError `json:"errors"`
}

func (v *ValidationError) Error() string {
	if len(v.Errors) == 0 {
		return ErrInvalidSettings.Error()
	}
	messages := make([]string, len(v.Errors))
	for i, e := range v.Errors {
		messages[i] = fmt.Sprintf("%s: %s", e.Field, e.Message)
	}
	return fmt.Sprintf("%s: %s", ErrInvalidSettings, strings.Join(messages, "; "))
}

func (v *ValidationError) Unwrap() error {
	return ErrInvalidSettings
}

// Validate checks s. The returned error wraps ErrInvalidSettings and can be
// inspected as a *ValidationError.
func (s *Settings) Validate() error {
	verr := &ValidationError{}
	verr.addStructErrors(validate.Struct(s))

	hasScalar := s.GreaterThan != nil || s.LessThan != nil
	switch {
	case s.HistogramMode != nil && len(s.HistogramPercentiles) > 0:
		if hasScalar {
			verr.add("HistogramMode", MixedThresholdsMessage)
		}
		if _, err := s.percentiles(); err != nil {
			verr.add("HistogramPercentiles", InvalidPercentileMessage)
		}
	case s.HistogramMode != nil || len(s.HistogramPercentiles) > 0:
		verr.add("HistogramMode", MissingHistogramModeOrPercentilesMessage)
	default:
		if msg, ok := validateThresholds(s.GreaterThan, s.LessThan); !ok {
			verr.add("GreaterThan", msg)
		}
	}

	if s.CounterInterval%time.Second != 0 {
		verr.add("CounterInterval", WholeSecondsIntervalMessage)
	}

	return verr.orNil()
}

// IsHistogram reports whether s compares histogram percentiles.
func (s *Settings) IsHistogram() bool {
	return s.HistogramMode != nil
}

type percentileThreshold struct {
	percentile float64
	threshold  float64
}

func (s *Settings) percentiles() ([]percentileThreshold, error) {
	out := make([]percentileThreshold, 0, len(s.HistogramPercentiles))
	for key, threshold := range s.HistogramPercentiles {
		p, err := parsePercentile(key)
		if err != nil {
			return nil, err
		}
		out = append(out, percentileThreshold{percentile: p, threshold: threshold})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].percentile < out[j].percentile })
	return out, nil
}

// parsePercentile accepts "95", "95.5" and "p95".
func parsePercentile(key string) (float64, error) {
	raw := strings.TrimPrefix(strings.ToLower(strings.TrimSpace(key)), "p")
	p, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid percentile %q: %w", key, err)
	}
	if p < 0 || p > 100 {
		return 0, fmt.Errorf("percentile %q out of range", key)
	}
	return p, nil
}

// Validate checks s. The returned error wraps ErrInvalidSettings and can be
// inspected as a *ValidationError.
func (s *EventCounterSettings) Validate() error {
	verr := &ValidationError{}
	verr.addStructErrors(validate.Struct(s))

	if msg, ok := validateThresholds(s.GreaterThan, s.LessThan); !ok {
		verr.add("GreaterThan", msg)
	}
	if s.CounterInterval%time.Second != 0 {
		verr.add("CounterInterval", WholeSecondsIntervalMessage)
	}

	return verr.orNil()
}

func validateThresholds(greaterThan, lessThan *float64) (string, bool) {
	if greaterThan == nil && lessThan == nil {
		return EitherGreaterThanLessThanMessage, false
	}
	if greaterThan != nil && lessThan != nil && *greaterThan >= *lessThan {
		return GreaterThanMustBeLessThanLessThanMessage, false
	}
	return "", true
}

func (v *ValidationError) add(field, message string) {
	v.Errors = append(v.Errors, FieldError{Field: field, Message: message})
}

func (v *ValidationError) addStructErrors(err error) {
	if err == nil {
		return
	}
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		v.add("_struct", err.Error())
		return
	}
	for _, e := range fieldErrs {
		v.add(e.Field(), formatValidationMessage(e))
	}
}

func (v *ValidationError) orNil() error {
	if len(v.Errors) == 0 {
		return nil
	}
	return v
}

func formatValidationMessage(e validator.FieldError) string {
	switch e.Tag() {
	case "required":
		return fmt.Sprintf("The %s field is required.", e.Field())
	case "min":
		return fmt.Sprintf("The %s field must be at least %s.", e.Field(), e.Param())
	case "max":
		return fmt.Sprintf("The %s field must be at most %s.", e.Field(), e.Param())
	case "gte":
		return fmt.Sprintf("The %s field must be at least %s.", e.Field(), e.Param())
	case "oneof":
		return fmt.Sprintf("The %s field must be one of: %s.", e.Field(), e.Param())
	default:
		return fmt.Sprintf("The %s field failed %s validation.", e.Field(), e.Tag())
	}
}

// Clone returns a deep copy of s.
func (s Settings) Clone() Settings {
	s.GreaterThan = clonePtr(s.GreaterThan)
	s.LessThan = clonePtr(s.LessThan)
	s.HistogramMode = clonePtr(s.HistogramMode)
	s.HistogramPercentiles = maps.Clone(s.HistogramPercentiles)
	return s
}

// Clone returns a deep copy of s.
func (s EventCounterSettings) Clone() EventCounterSettings {
	s.GreaterThan = clonePtr(s.GreaterThan)
	s.LessThan = clonePtr(s.LessThan)
	return s
}

func clonePtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}
