package joblabels

import (
	"k8s.io/apimachinery/pkg/labels"
)

const (
	Toolforge        = "toolforge"
	Version          = "app.kubernetes.io/version"
	ManagedBy        = "app.kubernetes.io/managed-by"
	CreatedBy        = "app.kubernetes.io/created-by"
	Component        = "app.kubernetes.io/component"
	Name             = "app.kubernetes.io/name"
	FileLog          = "jobs.toolforge.org/filelog"
	Emails           = "jobs.toolforge.org/emails"
	CommandNewFormat = "jobs.toolforge.org/command-new-format"

	// CronExpressionAnnotation keeps the schedule as the user wrote it, macros included.
	CronExpressionAnnotation = "jobs.toolforge.org/cron-expression"
	// InstantiateAnnotation marks jobs created by hand from a CronJob template.
	InstantiateAnnotation = "cronjob.kubernetes.io/instantiate"
	InstantiateManual     = "manual"

	ToolforgeValue = "tool"
	ManagedByValue = "toolforge-jobs-framework"
	Yes            = "yes"

	// VersionLegacy objects carry commands in one of the two older encodings; VersionCurrent objects
	// only redirect output when file logging is enabled.
	VersionLegacy  = "1"
	VersionCurrent = "2"
)

type Options struct {
	JobName string
	Tool    string
	Kind    string
	FileLog bool
	Emails  string
}

// Generate returns the labels stamped on every object the jobs framework creates.
func Generate(opts Options) map[string]string {
	result := map[string]string{
		Toolforge:        ToolforgeValue,
		Version:          VersionCurrent,
		ManagedBy:        ManagedByValue,
		CreatedBy:        opts.Tool,
		CommandNewFormat: Yes,
	}
	if opts.Kind != "" {
		result[Component] = opts.Kind
	}
	if opts.JobName != "" {
		result[Name] = opts.JobName
	}
	if opts.FileLog {
		result[FileLog] = Yes
	}
	if opts.Emails != "" {
		result[Emails] = opts.Emails
	}
	return result
}

// Selector matches objects of any encoding version for the given job. Empty jobName or kind match
// every job or kind of the tool.
func Selector(jobName, tool, kind string) labels.Selector {
	set := labels.Set{
		Toolforge: ToolforgeValue,
		ManagedBy: ManagedByValue,
		CreatedBy: tool,
	}
	if kind != "" {
		set[Component] = kind
	}
	if jobName != "" {
		set[Name] = jobName
	}
	return labels.SelectorFromSet(set)
}
