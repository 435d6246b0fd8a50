package types

// SourceType is the SQL-facing type a CSV value is converted to.
type SourceType string

// SourceType values enumerate the supported CSV column conversions.
const (
	SourceString    SourceType = "string"
	SourceInteger   SourceType = "integer"
	SourceNumber    SourceType = "number"
	SourceBoolean   SourceType = "boolean"
	SourceTimestamp SourceType = "timestamp"
)

// Valid reports whether t is a known source type.
func (t SourceType) Valid() bool {
	switch t {
	case SourceString, SourceInteger, SourceNumber, SourceBoolean, SourceTimestamp:
		return true
	}
	return false
}

// JobStatus is the downstream reporting job status of a staged header.
type JobStatus int

// JobStatus values written by the downstream reporting service.
const (
	JobIncomplete JobStatus = 5
	JobComplete   JobStatus = 6
)

// Exception sources recorded on StagingException rows.
const (
	SourceNotification = "notification"
	SourceReplay       = "replay"
)

// CSV row rejection codes.
const (
	ErrCodeMissingData = "MISSING_DATA"
	ErrCodeInvalidData = "INVALID_DATA"
)

// Column preprocessors applied to a raw CSV value before conversion.
const (
	PreprocessTrim        = "trim"
	PreprocessUpper       = "upper"
	PreprocessLower       = "lower"
	PreprocessYesNo       = "yesno"
	PreprocessNullIfEmpty = "nullIfEmpty"
)

// ValidPreprocessor reports whether name is a known preprocessor. The empty
// name means none.
func ValidPreprocessor(name string) bool {
	switch name {
	case "", PreprocessTrim, PreprocessUpper, PreprocessLower, PreprocessYesNo, PreprocessNullIfEmpty:
		return true
	}
	return false
}
