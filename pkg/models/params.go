package models

// Parameters is the immutable analysis configuration of a workflow.
type Parameters struct {
	Input    InputData      `json:"input_data"`
	Analysis AnalysisParams `json:"analysis"`
	Output   OutputParams   `json:"output"`
}

// InputData describes the genotype dataset and its phenotype/covariate files.
type InputData struct {
	Format          string   `json:"format"`
	FilePrefix      string   `json:"file_prefix"`
	PhenoFile       string   `json:"pheno_file,omitempty"`
	PhenoColumns    []string `json:"pheno_columns,omitempty"`
	CovarFile       string   `json:"covar_file,omitempty"`
	CovarColumns    []string `json:"covar_columns,omitempty"`
	CatCovarColumns []string `json:"cat_covar_columns,omitempty"`
}

type AnalysisParams struct {
	TraitType string   `json:"trait_type"`
	BlockSize int      `json:"block_size"`
	MinMAC    int      `json:"min_mac"`
	Threads   int      `json:"threads"`
	CVFolds   int      `json:"cv_folds"`
	LowMem    bool     `json:"low_mem"`
	Chr       string   `json:"chr,omitempty"`
	ChrList   []string `json:"chr_list,omitempty"`
}

type OutputParams struct {
	OutPrefix string `json:"out_prefix"`
	Gzip      bool   `json:"gzip"`
}

// Genotype formats.
const (
	FormatBED  = "bed"
	FormatPGEN = "pgen"
	FormatBGEN = "bgen"
)

// Trait types.
const (
	TraitQuantitative = "qt"
	TraitBinary       = "bt"
)

// RequiredExtensions lists the files that must exist next to FilePrefix for each format.
var RequiredExtensions = map[string][]string{
	FormatBED:  {".bed", ".bim", ".fam"},
	FormatPGEN: {".pgen", ".pvar", ".psam"},
	FormatBGEN: {".bgen", ".sample"},
}

// VariantIndexExtension returns the per-variant index file extension for format,
// or "" if the format has none.
func VariantIndexExtension(format string) string {
	switch format {
	case FormatBED:
		return ".bim"
	case FormatPGEN:
		return ".pvar"
	}
	return ""
}

// ExplicitChromosomes returns the user supplied chromosome override, if any.
func (a AnalysisParams) ExplicitChromosomes() []string {
	if a.Chr != "" {
		return []string{a.Chr}
	}
	return a.ChrList
}
