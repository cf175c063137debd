// Package trigger decodes and validates workflow descriptors and resolves them
// into the immutable run definition persisted at initialization.
package trigger

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"reflect"
	"regexp"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/kiranshivaraju/gwasflow/internal/objstore"
	"github.com/kiranshivaraju/gwasflow/internal/plan"
	"github.com/kiranshivaraju/gwasflow/pkg/models"
)

// Analysis defaults applied when a descriptor omits a value.
const (
	DefaultTraitType = models.TraitQuantitative
	DefaultBlockSize = 1000
	DefaultMinMAC    = 5
	DefaultThreads   = 8
	DefaultCVFolds   = 5
	DefaultLowMem    = true
	DefaultOutPrefix = "results"
	DefaultGzip      = true
)

// Descriptor is the trigger input that starts a workflow.
type Descriptor struct {
	WorkflowID     string    `json:"workflowId,omitempty" validate:"omitempty,identifier"`
	ExperimentID   string    `json:"experimentId,omitempty" validate:"omitempty,identifier"`
	StartPhase     string    `json:"startPhase,omitempty" validate:"omitempty,oneof=1 2"`
	InputLocation  string    `json:"inputLocation" validate:"required,location"`
	OutputLocation string    `json:"outputLocation,omitempty" validate:"omitempty,location"`
	PredictionList string    `json:"predictionList,omitempty" validate:"required_if=StartPhase 2"`
	InputData      InputData `json:"inputData"`
	Analysis       Analysis  `json:"analysis"`
	Output         Output    `json:"output"`
}

type InputData struct {
	Format          string   `json:"format" validate:"required,oneof=bed pgen bgen"`
	FilePrefix      string   `json:"filePrefix" validate:"required,excludesall=/\\"`
	PhenoFile       string   `json:"phenoFile,omitempty"`
	PhenoColumns    []string `json:"phenoColumns,omitempty" validate:"omitempty,dive,required"`
	CovarFile       string   `json:"covarFile,omitempty"`
	CovarColumns    []string `json:"covarColumns,omitempty" validate:"omitempty,dive,required"`
	CatCovarColumns []string `json:"catCovarColumns,omitempty" validate:"omitempty,dive,required"`
}

type Analysis struct {
	TraitType string   `json:"traitType,omitempty" validate:"omitempty,oneof=qt bt"`
	BlockSize *int     `json:"blockSize,omitempty" validate:"omitempty,min=1"`
	MinMAC    *int     `json:"minMAC,omitempty" validate:"omitempty,min=0"`
	Threads   *int     `json:"threads,omitempty" validate:"omitempty,min=1"`
	CVFolds   *int     `json:"cvFolds,omitempty" validate:"omitempty,min=2"`
	LowMem    *bool    `json:"lowMem,omitempty"`
	Chr       string   `json:"chr,omitempty" validate:"omitempty,chromosome"`
	ChrList   []string `json:"chrList,omitempty" validate:"omitempty,dive,chromosome"`
}

type Output struct {
	OutPrefix string `json:"outPrefix,omitempty" validate:"omitempty,excludesall=/\\ "`
	Gzip      *bool  `json:"gzip,omitempty"`
}

// Request is a resolved descriptor: identity assigned, defaults applied,
// locations normalized.
type Request struct {
	WorkflowID     string
	StartPhase     models.Phase
	InputLocation  string
	OutputLocation string
	PredictionList string
	Parameters     models.Parameters
}

// ValidationError lists every descriptor field that failed validation.
type ValidationError struct {
	Fields []string
}

func (e *ValidationError) Error() string {
	return "invalid descriptor: " + strings.Join(e.Fields, "; ")
}

var (
	identifierRegex = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]{0,99}$`)
	chromosomeRegex = regexp.MustCompile(`^[A-Za-z0-9_.]+$`)
)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	_ = v.RegisterValidation("identifier", regexValidator(identifierRegex))
	_ = v.RegisterValidation("chromosome", regexValidator(chromosomeRegex))
	_ = v.RegisterValidation("location", locationValidator)
	return v
}

func regexValidator(re *regexp.Regexp) validator.Func {
	return func(fl validator.FieldLevel) bool {
		val, ok := fl.Field().Interface().(string)
		return ok && re.MatchString(val)
	}
}

// locationValidator accepts s3://bucket/... and absolute local paths.
func locationValidator(fl validator.FieldLevel) bool {
	val, ok := fl.Field().Interface().(string)
	if !ok {
		return false
	}
	if objstore.IsObjectLocation(val) {
		_, err := objstore.ParseLocation(val)
		return err == nil
	}
	return strings.HasPrefix(val, "/")
}

// Decode reads a JSON descriptor. Unknown fields are rejected.
func Decode(r io.Reader) (*Descriptor, error) {
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	var d Descriptor
	if err := dec.Decode(&d); err != nil {
		return nil, fmt.Errorf("decoding descriptor: %w", err)
	}
	return &d, nil
}

// Validate checks d. Field errors are reported as *ValidationError; a chr and
// chrList conflict as *plan.InvalidParameterError.
func Validate(d *Descriptor) error {
	if err := validate.Struct(d); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			return err
		}
		ve := &ValidationError{}
		for _, fe := range verrs {
			ve.Fields = append(ve.Fields, describe(fe))
		}
		return ve
	}
	if d.Analysis.Chr != "" && len(d.Analysis.ChrList) > 0 {
		return &plan.InvalidParameterError{Field: "analysis.chr", Reason: "chr and chrList are mutually exclusive"}
	}
	return nil
}

func describe(fe validator.FieldError) string {
	field := strings.TrimPrefix(fe.Namespace(), "Descriptor.")
	switch fe.Tag() {
	case "required":
		return field + " is required"
	case "required_if":
		return field + " is required when startPhase is 2"
	case "oneof":
		return fmt.Sprintf("%s must be one of [%s]", field, fe.Param())
	case "location":
		return field + " must be an s3:// location or an absolute path"
	case "min":
		return fmt.Sprintf("%s must be at least %s", field, fe.Param())
	default:
		return fmt.Sprintf("%s failed %s validation", field, fe.Tag())
	}
}

// NewWorkflowID returns gwas-{experimentID}-{8 hex chars}, or gwas-{8 hex chars}
// without an experiment id.
func NewWorkflowID(experimentID string) string {
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	if experimentID == "" {
		return "gwas-" + suffix
	}
	return "gwas-" + experimentID + "-" + suffix
}

// Resolve validates d and applies defaults. resultsBucket, when set, hosts
// outputs of descriptors without an explicit outputLocation.
func Resolve(d *Descriptor, resultsBucket string) (*Request, error) {
	if err := Validate(d); err != nil {
		return nil, err
	}

	req := &Request{
		WorkflowID:     d.WorkflowID,
		StartPhase:     models.Phase1,
		InputLocation:  objstore.Dir(d.InputLocation),
		PredictionList: d.PredictionList,
		Parameters:     parameters(d),
	}
	if req.WorkflowID == "" {
		req.WorkflowID = NewWorkflowID(d.ExperimentID)
	}
	if d.StartPhase == "2" {
		req.StartPhase = models.Phase2
	} else {
		req.PredictionList = ""
	}

	switch {
	case d.OutputLocation != "":
		req.OutputLocation = objstore.Dir(d.OutputLocation)
	case resultsBucket != "":
		req.OutputLocation = fmt.Sprintf("s3://%s/workflows/%s/", resultsBucket, req.WorkflowID)
	default:
		req.OutputLocation = req.InputLocation + "results/"
	}

	return req, nil
}

func parameters(d *Descriptor) models.Parameters {
	a := d.Analysis
	p := models.Parameters{
		Input: models.InputData{
			Format:          d.InputData.Format,
			FilePrefix:      d.InputData.FilePrefix,
			PhenoFile:       d.InputData.PhenoFile,
			PhenoColumns:    d.InputData.PhenoColumns,
			CovarFile:       d.InputData.CovarFile,
			CovarColumns:    d.InputData.CovarColumns,
			CatCovarColumns: d.InputData.CatCovarColumns,
		},
		Analysis: models.AnalysisParams{
			TraitType: a.TraitType,
			BlockSize: intOr(a.BlockSize, DefaultBlockSize),
			MinMAC:    intOr(a.MinMAC, DefaultMinMAC),
			Threads:   intOr(a.Threads, DefaultThreads),
			CVFolds:   intOr(a.CVFolds, DefaultCVFolds),
			LowMem:    boolOr(a.LowMem, DefaultLowMem),
			Chr:       a.Chr,
			ChrList:   a.ChrList,
		},
		Output: models.OutputParams{
			OutPrefix: d.Output.OutPrefix,
			Gzip:      boolOr(d.Output.Gzip, DefaultGzip),
		},
	}
	if p.Analysis.TraitType == "" {
		p.Analysis.TraitType = DefaultTraitType
	}
	if p.Output.OutPrefix == "" {
		p.Output.OutPrefix = DefaultOutPrefix
	}
	return p
}

func intOr(v *int, def int) int {
	if v == nil {
		return def
	}
	return *v
}

func boolOr(v *bool, def bool) bool {
	if v == nil {
		return def
	}
	return *v
}
