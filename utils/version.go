package utils

// Build-time variables, set via -ldflags.
var (
	Tag        = "dev"
	GitHash    = ""
	BuildStamp = ""
)
