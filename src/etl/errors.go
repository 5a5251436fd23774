package etl

import "github.com/pingcap/errors"

// Error classes of the transfer pipeline. Check with Class.Equal(err).
var (
	// ErrConfiguration is a missing or invalid setting; the job never starts.
	ErrConfiguration = errors.Normalize("invalid configuration: %s",
		errors.RFCCodeText("Transfer:ErrConfiguration"))
	// ErrExtraction is a source read failure inside one partition's task.
	ErrExtraction = errors.Normalize("extract partition %s: %s",
		errors.RFCCodeText("Transfer:ErrExtraction"))
	// ErrPersistence is a sink write, flush or codec failure.
	ErrPersistence = errors.Normalize("persist %s: %s",
		errors.RFCCodeText("Transfer:ErrPersistence"))
	// ErrMerge means the shards could not be assembled into one output.
	ErrMerge = errors.Normalize("merge: %s",
		errors.RFCCodeText("Transfer:ErrMerge"))
)

// IsClassified reports whether err already belongs to one of the pipeline
// error classes.
func IsClassified(err error) bool {
	return ErrConfiguration.Equal(err) || ErrExtraction.Equal(err) ||
		ErrPersistence.Equal(err) || ErrMerge.Equal(err)
}

// ConfigErrorf builds an ErrConfiguration with a formatted reason.
func ConfigErrorf(format string, args ...any) error {
	return ErrConfiguration.GenWithStackByArgs(errors.Errorf(format, args...).Error())
}
