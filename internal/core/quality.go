package core

import "fmt"

// IssueKind classifies a data quality problem.
type IssueKind string

const (
	IssueSchema    IssueKind = "schema-violation"
	IssueRange     IssueKind = "range-violation"
	IssueFormat    IssueKind = "format-violation"
	IssueDuplicate IssueKind = "duplicate"
)

// Severity decides what happens to a row with an issue.
type Severity string

const (
	// SeverityWarn rows are recorded and excluded from the load.
	SeverityWarn Severity = "warn"
	// SeverityReject rows fail validation and are dropped.
	SeverityReject Severity = "reject"
)

// QualityIssue describes the first problem found on a row.
type QualityIssue struct {
	Kind       IssueKind `json:"kind"`
	Severity   Severity  `json:"severity"`
	SourceFile string    `json:"source_file"`
	Row        int       `json:"row"`
	Field      string    `json:"field,omitempty"`
	Value      string    `json:"value,omitempty"`
	Detail     string    `json:"detail"`
}

func (i QualityIssue) String() string {
	if i.Field != "" {
		return fmt.Sprintf("%s:%d %s (%s) %s: %s", i.SourceFile, i.Row, i.Kind, i.Severity, i.Field, i.Detail)
	}
	return fmt.Sprintf("%s:%d %s (%s) %s", i.SourceFile, i.Row, i.Kind, i.Severity, i.Detail)
}

// QualityReport summarises the transformation of one batch.
// Extracted == Accepted + Rejected + Warned always holds.
type QualityReport struct {
	Extracted  int                 `json:"rows_extracted"`
	Accepted   int                 `json:"rows_accepted"`
	Rejected   int                 `json:"rows_rejected"`
	Warned     int                 `json:"rows_warned"`
	ByKind     map[IssueKind]int   `json:"issues_by_kind"`
	BySeverity map[Severity]int    `json:"issues_by_severity"`
	Issues     []QualityIssue      `json:"issues"`
	PerFile    map[string]FileRows `json:"per_file"`
	FileErrors []FileErrorEntry    `json:"file_errors"`
}

// FileErrorEntry is a source file that could not be read.
type FileErrorEntry struct {
	File  string `json:"file"`
	Error string `json:"error"`
}

// FileRows are the row counts of one source file.
type FileRows struct {
	Extracted int `json:"extracted"`
	Accepted  int `json:"accepted"`
	Rejected  int `json:"rejected"`
	Warned    int `json:"warned"`
}

// NewQualityReport returns an empty report.
func NewQualityReport() QualityReport {
	return QualityReport{
		ByKind:     make(map[IssueKind]int),
		BySeverity: make(map[Severity]int),
		PerFile:    make(map[string]FileRows),
	}
}

// Accept counts an accepted row.
func (r *QualityReport) Accept(file string) {
	r.Extracted++
	r.Accepted++
	fr := r.PerFile[file]
	fr.Extracted++
	fr.Accepted++
	r.PerFile[file] = fr
}

// Record counts a row excluded because of issue.
func (r *QualityReport) Record(issue QualityIssue) {
	r.Extracted++
	fr := r.PerFile[issue.SourceFile]
	fr.Extracted++
	switch issue.Severity {
	case SeverityReject:
		r.Rejected++
		fr.Rejected++
	default:
		r.Warned++
		fr.Warned++
	}
	r.PerFile[issue.SourceFile] = fr
	r.ByKind[issue.Kind]++
	r.BySeverity[issue.Severity]++
	r.Issues = append(r.Issues, issue)
}

// AddFileError records a file excluded from the batch.
func (r *QualityReport) AddFileError(file string, err error) {
	r.FileErrors = append(r.FileErrors, FileErrorEntry{File: file, Error: err.Error()})
}

// Merge adds the counts, issues and file errors of o to r.
func (r *QualityReport) Merge(o QualityReport) {
	if r.ByKind == nil {
		*r = NewQualityReport()
	}
	r.Extracted += o.Extracted
	r.Accepted += o.Accepted
	r.Rejected += o.Rejected
	r.Warned += o.Warned
	for k, n := range o.ByKind {
		r.ByKind[k] += n
	}
	for s, n := range o.BySeverity {
		r.BySeverity[s] += n
	}
	for f, fr := range o.PerFile {
		cur := r.PerFile[f]
		cur.Extracted += fr.Extracted
		cur.Accepted += fr.Accepted
		cur.Rejected += fr.Rejected
		cur.Warned += fr.Warned
		r.PerFile[f] = cur
	}
	r.Issues = append(r.Issues, o.Issues...)
	r.FileErrors = append(r.FileErrors, o.FileErrors...)
}

// Consistent reports whether every extracted row was accounted for.
func (r QualityReport) Consistent() bool {
	return r.Extracted == r.Accepted+r.Rejected+r.Warned && len(r.Issues) == r.Rejected+r.Warned
}
