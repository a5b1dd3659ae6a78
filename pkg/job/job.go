package job

import (
	"fmt"
	"strings"

	"github.com/creasty/defaults"
	"github.com/toolforge/jobs-api/pkg/apierror"
	"github.com/toolforge/jobs-api/pkg/command"
	"github.com/toolforge/jobs-api/pkg/cron"
	"github.com/toolforge/jobs-api/pkg/joblabels"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/types"
	"k8s.io/apimachinery/pkg/util/validation"
)

// Kind is the workload shape of a job, named after the Kubernetes resource backing it.
type Kind string

const (
	OneOff     Kind = "jobs"
	Recurring  Kind = "cronjobs"
	Continuous Kind = "deployments"
)

// Kinds in the order jobs are listed.
var Kinds = []Kind{OneOff, Recurring, Continuous}

const (
	DefaultMemory = "512Mi"
	DefaultCPU    = "500m"

	// cronjob names get a suffix for every run
	maxNameLength = 52
	maxRetry      = 5

	namespacePrefix = "tool-"
	// StatusUnknown is reported until a status is refreshed.
	StatusUnknown = "Unknown"
)

var emailOptions = []string{"none", "all", "onfinish", "onfailure"}

// Spec is what a user asks for when creating a job.
type Spec struct {
	Name      string
	Tool      string
	Image     string
	Namespace string // defaults to tool-<tool>

	Command       string
	NoWrapper     bool // for images that can't run a shell
	FileLog       bool
	FileLogStdout string
	FileLogStderr string

	Schedule   string
	Continuous bool

	Memory string `default:"512Mi"`
	CPU    string `default:"500m"`
	Retry  int
	Emails string `default:"none"`
}

type Job struct {
	Name      string
	Namespace string
	Tool      string
	Kind      Kind
	Image     string
	Command   command.Command
	Schedule  *cron.Expression
	Memory    string
	CPU       string
	Retry     int
	Emails    string

	StatusShort string
	StatusLong  string

	// Object is the workload the job was read from. It is nil for jobs that don't exist yet.
	Object runtime.Object
}

// New validates spec and builds the job it describes.
func New(spec Spec) (*Job, error) {
	if err := ValidateName(spec.Name); err != nil {
		return nil, err
	}
	if spec.Tool == "" {
		return nil, apierror.NewValidation("tool", "tool name can't be empty")
	}
	if spec.Image == "" {
		return nil, apierror.NewValidation("image", "image can't be empty")
	}
	if err := defaults.Set(&spec); err != nil {
		return nil, apierror.NewInternal("unable to apply job defaults", err)
	}

	j := &Job{
		Name:        spec.Name,
		Namespace:   valueOr(spec.Namespace, namespacePrefix+spec.Tool),
		Tool:        spec.Tool,
		Kind:        OneOff,
		Image:       spec.Image,
		Memory:      spec.Memory,
		CPU:         spec.CPU,
		Retry:       spec.Retry,
		Emails:      spec.Emails,
		StatusShort: StatusUnknown,
		StatusLong:  StatusUnknown,
	}

	if _, err := ParseQuantity("memory", j.Memory); err != nil {
		return nil, err
	}
	if _, err := ParseQuantity("cpu", j.CPU); err != nil {
		return nil, err
	}
	if j.Retry < 0 || j.Retry > maxRetry {
		return nil, apierror.NewValidationf("retry", "retry must be between 0 and %d, got %d", maxRetry, j.Retry)
	}
	if !contains(emailOptions, j.Emails) {
		return nil, apierror.NewValidationf("emails", "invalid emails setting '%s'", j.Emails).
			WithData("allowed", emailOptions)
	}

	cmd, err := command.FromAPI(spec.Command, !spec.NoWrapper, spec.FileLog, spec.FileLogStdout, spec.FileLogStderr, spec.Name)
	if err != nil {
		return nil, err
	}
	j.Command = cmd

	switch {
	case spec.Schedule != "" && spec.Continuous:
		return nil, apierror.NewValidation("schedule", "a job can't be both scheduled and continuous")
	case spec.Schedule != "":
		j.Schedule, err = cron.Parse(spec.Schedule, j.seed())
		if err != nil {
			return nil, err
		}
		j.Kind = Recurring
	case spec.Continuous:
		j.Kind = Continuous
	}

	return j, nil
}

// ValidateName checks name can be used for every kind of workload.
func ValidateName(name string) error {
	if name == "" {
		return apierror.NewValidation("name", "job name can't be empty")
	}
	if len(name) > maxNameLength {
		return apierror.NewValidationf("name", "job name is too long, must be at most %d characters", maxNameLength)
	}
	if errs := validation.IsDNS1123Subdomain(name); len(errs) > 0 {
		return apierror.NewValidationf("name", "invalid job name '%s': %s", name, strings.Join(errs, ", "))
	}
	return nil
}

// ParseQuantity parses a resource quantity such as 512Mi or 500m.
func ParseQuantity(field, value string) (resource.Quantity, error) {
	q, err := resource.ParseQuantity(value)
	if err != nil {
		return q, apierror.NewValidationf(field, "%s is not a valid Kubernetes quantity", value)
	}
	return q, nil
}

// UID returns the UID of the stored workload, if there is one.
func (j *Job) UID() types.UID {
	if o, ok := j.Object.(metav1.Object); ok {
		return o.GetUID()
	}
	return ""
}

func (j *Job) labels() map[string]string {
	return joblabels.Generate(joblabels.Options{
		JobName: j.Name,
		Tool:    j.Tool,
		Kind:    string(j.Kind),
		FileLog: j.Command.FileLog,
		Emails:  j.Emails,
	})
}

// seed keeps macro schedules stable for a job.
func (j *Job) seed() string {
	return fmt.Sprintf("%s %s", j.Namespace, j.Name)
}

func valueOr(value, fallback string) string {
	if value == "" {
		return fallback
	}
	return value
}

func contains(values []string, value string) bool {
	for _, v := range values {
		if v == value {
			return true
		}
	}
	return false
}
