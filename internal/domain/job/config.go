package job

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	re2 "github.com/wasilibs/go-re2"

	"github.com/ahrav/anomaly-armada/internal/domain/shared"
)

// Time formats understood by the ingest path. Anything else is treated as a
// Go time layout.
const (
	TimeFormatEpoch   = "epoch"
	TimeFormatEpochMs = "epoch_ms"
	TimeFormatRFC3339 = "rfc3339"
)

const (
	defaultTimeField  = "time"
	defaultBucketSpan = 300
	maxJobIDLength    = 64
)

// Config is the user supplied definition of a job. The analysis section is
// opaque to this layer beyond the fields needed to validate it and to drive
// ingestion.
type Config struct {
	ID                         string          `json:"job_id" yaml:"job_id" validate:"required,max=64,jobid"`
	Description                string          `json:"description,omitempty" yaml:"description" validate:"max=1024"`
	Analysis                   AnalysisConfig  `json:"analysis_config" yaml:"analysis_config"`
	DataDescription            DataDescription `json:"data_description" yaml:"data_description"`
	ResultsRetentionDays       *int64          `json:"results_retention_days,omitempty" yaml:"results_retention_days" validate:"omitempty,gte=1"`
	ModelSnapshotRetentionDays *int64          `json:"model_snapshot_retention_days,omitempty" yaml:"model_snapshot_retention_days" validate:"omitempty,gte=1"`
}

// AnalysisConfig describes how the analysis process should model the data.
type AnalysisConfig struct {
	// BucketSpan is the bucket width in seconds.
	BucketSpan int64 `json:"bucket_span" yaml:"bucket_span" validate:"gte=1"`
	// Latency is how far back in seconds out of order records are tolerated.
	Latency                 int64      `json:"latency,omitempty" yaml:"latency" validate:"gte=0"`
	Detectors               []Detector `json:"detectors" yaml:"detectors" validate:"required,min=1,dive"`
	Influencers             []string   `json:"influencers,omitempty" yaml:"influencers"`
	CategorizationFieldName string     `json:"categorization_field_name,omitempty" yaml:"categorization_field_name"`
	CategorizationFilters   []string   `json:"categorization_filters,omitempty" yaml:"categorization_filters" validate:"omitempty,dive,required"`
}

// BucketSpanDuration returns the bucket span as a duration.
func (a AnalysisConfig) BucketSpanDuration() time.Duration {
	return time.Duration(a.BucketSpan) * time.Second
}

// LatencyDuration returns the accepted lateness as a duration.
func (a AnalysisConfig) LatencyDuration() time.Duration {
	return time.Duration(a.Latency) * time.Second
}

// Detector is one analysis function applied to the data.
type Detector struct {
	Description        string `json:"detector_description,omitempty" yaml:"detector_description"`
	Function           string `json:"function" yaml:"function" validate:"required,oneof=count low_count high_count non_zero_count rare freq_rare mean low_mean high_mean min max sum low_sum high_sum metric median varp distinct_count info_content"`
	FieldName          string `json:"field_name,omitempty" yaml:"field_name"`
	ByFieldName        string `json:"by_field_name,omitempty" yaml:"by_field_name"`
	OverFieldName      string `json:"over_field_name,omitempty" yaml:"over_field_name"`
	PartitionFieldName string `json:"partition_field_name,omitempty" yaml:"partition_field_name"`
}

// DataDescription tells the ingest path how to find the timestamp in each record.
type DataDescription struct {
	Format     string `json:"format,omitempty" yaml:"format" validate:"omitempty,oneof=json ndjson"`
	TimeField  string `json:"time_field,omitempty" yaml:"time_field"`
	TimeFormat string `json:"time_format,omitempty" yaml:"time_format"`
}

// fieldlessFunctions are the detector functions that do not analyse a field value.
var fieldlessFunctions = map[string]struct{}{
	"count": {}, "low_count": {}, "high_count": {}, "non_zero_count": {}, "rare": {}, "freq_rare": {},
}

const categoryByField = "mlcategory"

var (
	validateOnce sync.Once
	validate     *validator.Validate
	jobIDPattern = re2.MustCompile(`^[a-z0-9](?:[a-z0-9_\-]*[a-z0-9])?$`)
)

func configValidator() *validator.Validate {
	validateOnce.Do(func() {
		v := validator.New(validator.WithRequiredStructEnabled())
		v.RegisterTagNameFunc(func(fld reflect.StructField) string {
			name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
			if name == "-" {
				return ""
			}
			return name
		})
		if err := v.RegisterValidation("jobid", func(fl validator.FieldLevel) bool {
			return jobIDPattern.MatchString(fl.Field().String())
		}); err != nil {
			panic(fmt.Sprintf("job: registering jobid validation: %v", err))
		}
		validate = v
	})
	return validate
}

// WithDefaults fills in the optional settings that have well known defaults.
func (c Config) WithDefaults() Config {
	if c.Analysis.BucketSpan == 0 {
		c.Analysis.BucketSpan = defaultBucketSpan
	}
	if c.DataDescription.Format == "" {
		c.DataDescription.Format = "json"
	}
	if c.DataDescription.TimeField == "" {
		c.DataDescription.TimeField = defaultTimeField
	}
	if c.DataDescription.TimeFormat == "" {
		c.DataDescription.TimeFormat = TimeFormatEpoch
	}
	return c
}

// Validate checks the configuration and reports the first offending field.
// The returned error wraps ErrInvalidConfiguration.
func (c Config) Validate() error {
	const op = "validate_config"

	if err := configValidator().Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			field := strings.TrimPrefix(fe.Namespace(), "Config.")
			return shared.NewFieldError(op, c.ID, field,
				fmt.Errorf("%w: failed %q rule%s", ErrInvalidConfiguration, fe.Tag(), paramSuffix(fe.Param())))
		}
		return shared.NewError(op, c.ID, fmt.Errorf("%w: %v", ErrInvalidConfiguration, err))
	}

	if len(c.ID) > maxJobIDLength {
		return shared.NewFieldError(op, c.ID, "job_id", fmt.Errorf("%w: too long", ErrInvalidConfiguration))
	}

	for i, d := range c.Analysis.Detectors {
		prefix := fmt.Sprintf("analysis_config.detectors[%d]", i)
		if _, ok := fieldlessFunctions[d.Function]; !ok && d.FieldName == "" {
			return shared.NewFieldError(op, c.ID, prefix+".field_name",
				fmt.Errorf("%w: function %q requires a field_name", ErrInvalidConfiguration, d.Function))
		}
		if usesCategory(d) && c.Analysis.CategorizationFieldName == "" {
			return shared.NewFieldError(op, c.ID, "analysis_config.categorization_field_name",
				fmt.Errorf("%w: detector %d references %s but no categorization field is set", ErrInvalidConfiguration, i, categoryByField))
		}
	}

	if len(c.Analysis.CategorizationFilters) > 0 && c.Analysis.CategorizationFieldName == "" {
		return shared.NewFieldError(op, c.ID, "analysis_config.categorization_filters",
			fmt.Errorf("%w: categorization filters require categorization_field_name", ErrInvalidConfiguration))
	}
	seen := make(map[string]struct{}, len(c.Analysis.CategorizationFilters))
	for i, f := range c.Analysis.CategorizationFilters {
		field := fmt.Sprintf("analysis_config.categorization_filters[%d]", i)
		if _, dup := seen[f]; dup {
			return shared.NewFieldError(op, c.ID, field, fmt.Errorf("%w: duplicate filter %q", ErrInvalidConfiguration, f))
		}
		seen[f] = struct{}{}
		if _, err := re2.Compile(f); err != nil {
			return shared.NewFieldError(op, c.ID, field, fmt.Errorf("%w: invalid regular expression: %v", ErrInvalidConfiguration, err))
		}
	}

	switch c.DataDescription.TimeFormat {
	case "", TimeFormatEpoch, TimeFormatEpochMs, TimeFormatRFC3339:
	default:
		if err := validateTimeLayout(c.DataDescription.TimeFormat); err != nil {
			return shared.NewFieldError(op, c.ID, "data_description.time_format",
				fmt.Errorf("%w: %v", ErrInvalidConfiguration, err))
		}
	}

	return nil
}

// layoutSample has no component equal to its value in the reference layout,
// so formatting it changes every verb a layout contains.
var layoutSample = time.Date(2017, 11, 23, 19, 37, 48, 0, time.UTC)

// validateTimeLayout accepts a Go time layout that has at least one time
// field and round trips.
func validateTimeLayout(layout string) error {
	formatted := layoutSample.Format(layout)
	if formatted == layout {
		return fmt.Errorf("time format %q has no time fields", layout)
	}
	if _, err := time.Parse(layout, formatted); err != nil {
		return err
	}
	return nil
}

func usesCategory(d Detector) bool {
	return d.ByFieldName == categoryByField || d.OverFieldName == categoryByField || d.PartitionFieldName == categoryByField
}

func paramSuffix(p string) string {
	if p == "" {
		return ""
	}
	return " (" + p + ")"
}
