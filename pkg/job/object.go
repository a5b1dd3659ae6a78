package job

import (
	"fmt"
	"strings"

	"github.com/toolforge/jobs-api/pkg/apierror"
	"github.com/toolforge/jobs-api/pkg/command"
	"github.com/toolforge/jobs-api/pkg/cron"
	"github.com/toolforge/jobs-api/pkg/joblabels"
	appsv1 "k8s.io/api/apps/v1"
	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/types"
	utilrand "k8s.io/apimachinery/pkg/util/rand"
	"k8s.io/utils/ptr"
)

const (
	// finished jobs are removed by kubernetes after this many seconds
	ttlAfterFinished = 30

	projectDir = "/data/project"
	homeVolume = "home"
)

// K8sObject returns the workload that runs the job: a Job, CronJob or Deployment.
func (j *Job) K8sObject() runtime.Object {
	labels := j.labels()

	switch j.Kind {
	case Recurring:
		cronJob := &batchv1.CronJob{
			TypeMeta:   metav1.TypeMeta{APIVersion: "batch/v1", Kind: "CronJob"},
			ObjectMeta: j.objectMeta(labels),
			Spec: batchv1.CronJobSpec{
				Schedule:                   j.Schedule.Format(),
				SuccessfulJobsHistoryLimit: ptr.To[int32](0),
				FailedJobsHistoryLimit:     ptr.To[int32](0),
				ConcurrencyPolicy:          batchv1.ForbidConcurrent,
				JobTemplate: batchv1.JobTemplateSpec{
					ObjectMeta: metav1.ObjectMeta{Labels: labels},
					Spec:       j.jobSpec(labels),
				},
			},
		}
		cronJob.Annotations = map[string]string{
			joblabels.CronExpressionAnnotation: j.Schedule.Text,
		}
		return cronJob
	case Continuous:
		return &appsv1.Deployment{
			TypeMeta:   metav1.TypeMeta{APIVersion: "apps/v1", Kind: "Deployment"},
			ObjectMeta: j.objectMeta(labels),
			Spec: appsv1.DeploymentSpec{
				Replicas: ptr.To[int32](1),
				Selector: &metav1.LabelSelector{MatchLabels: labels},
				Template: j.podTemplate(labels, corev1.RestartPolicyAlways),
			},
		}
	default:
		return &batchv1.Job{
			TypeMeta:   metav1.TypeMeta{APIVersion: "batch/v1", Kind: "Job"},
			ObjectMeta: j.objectMeta(labels),
			Spec:       j.jobSpec(labels),
		}
	}
}

// ManualRunObject returns a Job that runs a recurring job right now, outside of its schedule. It
// is owned by the CronJob with the given UID and marked the way kubectl marks jobs created from a
// CronJob.
func (j *Job) ManualRunObject(cronJobUID types.UID) *batchv1.Job {
	labels := j.labels()
	meta := j.objectMeta(labels)
	meta.Name = fmt.Sprintf("%s-%s", j.Name, utilrand.String(5))
	meta.Annotations = map[string]string{
		joblabels.InstantiateAnnotation: joblabels.InstantiateManual,
	}
	meta.OwnerReferences = []metav1.OwnerReference{{
		APIVersion: "batch/v1",
		Kind:       "CronJob",
		Name:       j.Name,
		UID:        cronJobUID,
		Controller: ptr.To(true),
	}}

	return &batchv1.Job{
		TypeMeta:   metav1.TypeMeta{APIVersion: "batch/v1", Kind: "Job"},
		ObjectMeta: meta,
		Spec:       j.jobSpec(labels),
	}
}

func (j *Job) objectMeta(labels map[string]string) metav1.ObjectMeta {
	return metav1.ObjectMeta{
		Name:      j.Name,
		Namespace: j.Namespace,
		Labels:    labels,
	}
}

func (j *Job) jobSpec(labels map[string]string) batchv1.JobSpec {
	return batchv1.JobSpec{
		Template:                j.podTemplate(labels, corev1.RestartPolicyNever),
		TTLSecondsAfterFinished: ptr.To[int32](ttlAfterFinished),
		BackoffLimit:            ptr.To(int32(j.Retry)),
	}
}

func (j *Job) podTemplate(labels map[string]string, restartPolicy corev1.RestartPolicy) corev1.PodTemplateSpec {
	home := projectDir + "/" + j.Tool
	cmd, args := j.Command.Render()

	return corev1.PodTemplateSpec{
		ObjectMeta: metav1.ObjectMeta{Labels: labels},
		Spec: corev1.PodSpec{
			RestartPolicy: restartPolicy,
			Containers: []corev1.Container{{
				Name:       j.Name,
				Image:      j.Image,
				WorkingDir: home,
				Command:    cmd,
				Args:       args,
				Env: []corev1.EnvVar{{
					Name:  "HOME",
					Value: home,
				}},
				Resources: j.resources(),
				VolumeMounts: []corev1.VolumeMount{{
					Name:      homeVolume,
					MountPath: projectDir,
				}},
			}},
			Volumes: []corev1.Volume{{
				Name: homeVolume,
				VolumeSource: corev1.VolumeSource{
					HostPath: &corev1.HostPathVolumeSource{
						Path: projectDir,
						Type: ptr.To(corev1.HostPathDirectory),
					},
				},
			}},
		},
	}
}

// resources requests the full limit for small jobs and half of it for anything at or above the
// defaults.
func (j *Job) resources() corev1.ResourceRequirements {
	result := corev1.ResourceRequirements{
		Limits:   corev1.ResourceList{},
		Requests: corev1.ResourceList{},
	}

	if memory, err := resource.ParseQuantity(j.Memory); err == nil {
		result.Limits[corev1.ResourceMemory] = memory
		if memory.Cmp(resource.MustParse(DefaultMemory)) < 0 {
			result.Requests[corev1.ResourceMemory] = memory
		} else {
			result.Requests[corev1.ResourceMemory] = *resource.NewQuantity(memory.Value()/2, resource.BinarySI)
		}
	}

	if cpu, err := resource.ParseQuantity(j.CPU); err == nil {
		result.Limits[corev1.ResourceCPU] = cpu
		if cpu.Cmp(resource.MustParse(DefaultCPU)) < 0 {
			result.Requests[corev1.ResourceCPU] = cpu
		} else {
			result.Requests[corev1.ResourceCPU] = *resource.NewMilliQuantity(cpu.MilliValue()/2, resource.DecimalSI)
		}
	}

	return result
}

// FromObject rebuilds a job from a stored Job, CronJob or Deployment. The status is left as
// unknown.
func FromObject(obj runtime.Object) (*Job, error) {
	var (
		meta     metav1.ObjectMeta
		kind     Kind
		podSpec  corev1.PodSpec
		schedule *cron.Expression
		retry    int
	)

	switch o := obj.(type) {
	case *batchv1.Job:
		meta, kind, podSpec = o.ObjectMeta, OneOff, o.Spec.Template.Spec
		retry = int(ptr.Deref(o.Spec.BackoffLimit, 0))
	case *batchv1.CronJob:
		meta, kind, podSpec = o.ObjectMeta, Recurring, o.Spec.JobTemplate.Spec.Template.Spec
		retry = int(ptr.Deref(o.Spec.JobTemplate.Spec.BackoffLimit, 0))
		schedule = cron.FromStored(o.Spec.Schedule, o.Annotations[joblabels.CronExpressionAnnotation])
	case *appsv1.Deployment:
		meta, kind, podSpec = o.ObjectMeta, Continuous, o.Spec.Template.Spec
	default:
		return nil, apierror.NewInternal(fmt.Sprintf("received a kubernetes object we don't understand: %T", obj), nil)
	}

	tool := meta.Labels[joblabels.CreatedBy]
	if tool == "" {
		tool = strings.TrimPrefix(meta.Namespace, namespacePrefix)
	}

	j := &Job{
		Name:        meta.Name,
		Namespace:   meta.Namespace,
		Tool:        tool,
		Kind:        kind,
		Schedule:    schedule,
		Memory:      DefaultMemory,
		CPU:         DefaultCPU,
		Retry:       retry,
		Emails:      valueOr(meta.Labels[joblabels.Emails], emailOptions[0]),
		StatusShort: StatusUnknown,
		StatusLong:  StatusUnknown,
		Object:      obj,
	}

	if len(podSpec.Containers) == 0 {
		j.Command = command.FromStored(meta, nil, nil)
		return j, nil
	}

	container := podSpec.Containers[0]
	j.Image = container.Image
	j.Command = command.FromStored(meta, container.Command, container.Args)
	if memory, ok := container.Resources.Limits[corev1.ResourceMemory]; ok {
		j.Memory = memory.String()
	}
	if cpu, ok := container.Resources.Limits[corev1.ResourceCPU]; ok {
		j.CPU = cpu.String()
	}
	return j, nil
}

// APIObject is the view of a job returned to clients.
type APIObject struct {
	Name           string `json:"name"`
	Cmd            string `json:"cmd"`
	Image          string `json:"image"`
	FileLog        bool   `json:"filelog"`
	FileLogStdout  string `json:"filelog_stdout,omitempty"`
	FileLogStderr  string `json:"filelog_stderr,omitempty"`
	StatusShort    string `json:"status_short"`
	StatusLong     string `json:"status_long"`
	Schedule       string `json:"schedule,omitempty"`
	ScheduleActual string `json:"schedule_actual,omitempty"`
	Continuous     bool   `json:"continuous,omitempty"`
	Memory         string `json:"memory,omitempty"`
	CPU            string `json:"cpu,omitempty"`
	Retry          int    `json:"retry"`
	Emails         string `json:"emails"`
}

func (j *Job) APIObject() APIObject {
	result := APIObject{
		Name:          j.Name,
		Cmd:           j.Command.UserCommand,
		Image:         j.Image,
		FileLog:       j.Command.FileLog,
		FileLogStdout: j.Command.FileLogStdout,
		FileLogStderr: j.Command.FileLogStderr,
		StatusShort:   j.StatusShort,
		StatusLong:    j.StatusLong,
		Continuous:    j.Kind == Continuous,
		Retry:         j.Retry,
		Emails:        j.Emails,
	}
	if j.Schedule != nil {
		result.Schedule = j.Schedule.Text
		result.ScheduleActual = j.Schedule.Format()
	}
	if j.Memory != DefaultMemory {
		result.Memory = j.Memory
	}
	if j.CPU != DefaultCPU {
		result.CPU = j.CPU
	}
	return result
}
