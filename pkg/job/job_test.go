package job

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/toolforge/jobs-api/pkg/apierror"
	"github.com/toolforge/jobs-api/pkg/cron"
	"github.com/toolforge/jobs-api/pkg/joblabels"
	appsv1 "k8s.io/api/apps/v1"
	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
)

func baseSpec() Spec {
	return Spec{
		Name:    "myjob",
		Tool:    "test",
		Image:   "docker-registry.tools.wmflabs.org/toolforge-python39-sssd-base:latest",
		Command: "./command-by-the-user.sh --with-args",
	}
}

func TestNewKinds(t *testing.T) {
	spec := baseSpec()
	j, err := New(spec)
	require.NoError(t, err)
	assert.Equal(t, OneOff, j.Kind)
	assert.Equal(t, "tool-test", j.Namespace)
	assert.Equal(t, DefaultMemory, j.Memory)
	assert.Equal(t, DefaultCPU, j.CPU)
	assert.Equal(t, "none", j.Emails)
	assert.Equal(t, StatusUnknown, j.StatusShort)
	assert.Nil(t, j.Schedule)

	spec.Continuous = true
	j, err = New(spec)
	require.NoError(t, err)
	assert.Equal(t, Continuous, j.Kind)

	spec = baseSpec()
	spec.Schedule = "@daily"
	j, err = New(spec)
	require.NoError(t, err)
	assert.Equal(t, Recurring, j.Kind)
	assert.Equal(t, "@daily", j.Schedule.Text)

	// macros resolve the same way for the same job
	again, err := New(spec)
	require.NoError(t, err)
	assert.Equal(t, j.Schedule.Format(), again.Schedule.Format())
}

func TestNewWrapsByDefault(t *testing.T) {
	spec := baseSpec()
	spec.FileLog = true
	j, err := New(spec)
	require.NoError(t, err)
	assert.True(t, j.Command.UseWrapper)
	assert.True(t, j.Command.FileLog)

	spec.NoWrapper, spec.FileLog = true, false
	j, err = New(spec)
	require.NoError(t, err)
	assert.False(t, j.Command.UseWrapper)
}

func TestNewNamespaceSeedsMacros(t *testing.T) {
	spec := baseSpec()
	spec.Namespace = "custom"
	spec.Schedule = "@daily"
	j, err := New(spec)
	require.NoError(t, err)
	assert.Equal(t, "custom", j.Namespace)

	expected, err := cron.Parse("@daily", "custom myjob")
	require.NoError(t, err)
	assert.Equal(t, expected.Format(), j.Schedule.Format())
	assert.Equal(t, "custom", j.K8sObject().(*batchv1.CronJob).Namespace)
}

func TestNewValidation(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*Spec)
		field  string
	}{
		{name: "empty name", modify: func(s *Spec) { s.Name = "" }, field: "name"},
		{name: "uppercase name", modify: func(s *Spec) { s.Name = "MyJob" }, field: "name"},
		{name: "underscore name", modify: func(s *Spec) { s.Name = "my_job" }, field: "name"},
		{name: "long name", modify: func(s *Spec) { s.Name = strings.Repeat("a", 53) }, field: "name"},
		{name: "no image", modify: func(s *Spec) { s.Image = "" }, field: "image"},
		{name: "bad memory", modify: func(s *Spec) { s.Memory = "lots" }, field: "memory"},
		{name: "bad cpu", modify: func(s *Spec) { s.CPU = "1x" }, field: "cpu"},
		{name: "negative retry", modify: func(s *Spec) { s.Retry = -1 }, field: "retry"},
		{name: "too many retries", modify: func(s *Spec) { s.Retry = 6 }, field: "retry"},
		{name: "bad emails", modify: func(s *Spec) { s.Emails = "sometimes" }, field: "emails"},
		{name: "empty command", modify: func(s *Spec) { s.Command = "" }, field: "cmd"},
		{name: "filelog without wrapper", modify: func(s *Spec) { s.NoWrapper, s.FileLog = true, true }, field: "filelog"},
		{name: "bad schedule", modify: func(s *Spec) { s.Schedule = "1 2 3" }, field: "schedule"},
		{name: "scheduled and continuous", modify: func(s *Spec) { s.Schedule, s.Continuous = "* * * * *", true }, field: "schedule"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			spec := baseSpec()
			tt.modify(&spec)
			_, err := New(spec)
			require.Error(t, err)
			assert.True(t, apierror.IsValidation(err))

			var apiErr *apierror.Error
			require.ErrorAs(t, err, &apiErr)
			assert.Equal(t, tt.field, apiErr.Field)
		})
	}

	spec := baseSpec()
	spec.Name = strings.Repeat("a", 52)
	_, err := New(spec)
	assert.NoError(t, err)
}

func TestK8sObjectJob(t *testing.T) {
	spec := baseSpec()
	spec.FileLog = true
	spec.Retry = 2
	j, err := New(spec)
	require.NoError(t, err)

	obj, ok := j.K8sObject().(*batchv1.Job)
	require.True(t, ok)
	assert.Equal(t, "myjob", obj.Name)
	assert.Equal(t, "tool-test", obj.Namespace)
	assert.Equal(t, "jobs", obj.Labels[joblabels.Component])
	assert.Equal(t, "yes", obj.Labels[joblabels.FileLog])
	assert.Equal(t, "2", obj.Labels[joblabels.Version])
	assert.Equal(t, int32(30), *obj.Spec.TTLSecondsAfterFinished)
	assert.Equal(t, int32(2), *obj.Spec.BackoffLimit)
	assert.Equal(t, obj.Labels, obj.Spec.Template.Labels)

	pod := obj.Spec.Template.Spec
	assert.Equal(t, corev1.RestartPolicyNever, pod.RestartPolicy)
	require.Len(t, pod.Containers, 1)
	container := pod.Containers[0]
	assert.Equal(t, []string{"/bin/sh", "-c", "--", "exec 1>>myjob.out;exec 2>>myjob.err;./command-by-the-user.sh --with-args"}, container.Command)
	assert.Nil(t, container.Args)
	assert.Equal(t, "/data/project/test", container.WorkingDir)
	assert.Equal(t, []corev1.EnvVar{{Name: "HOME", Value: "/data/project/test"}}, container.Env)
	assert.Equal(t, "/data/project", container.VolumeMounts[0].MountPath)
	require.Len(t, pod.Volumes, 1)
	assert.Equal(t, "/data/project", pod.Volumes[0].HostPath.Path)
}

func TestK8sObjectCronJob(t *testing.T) {
	spec := baseSpec()
	spec.Schedule = "@hourly"
	j, err := New(spec)
	require.NoError(t, err)

	obj, ok := j.K8sObject().(*batchv1.CronJob)
	require.True(t, ok)
	assert.Equal(t, j.Schedule.Format(), obj.Spec.Schedule)
	assert.Equal(t, "@hourly", obj.Annotations[joblabels.CronExpressionAnnotation])
	assert.Equal(t, batchv1.ForbidConcurrent, obj.Spec.ConcurrencyPolicy)
	assert.Equal(t, int32(0), *obj.Spec.SuccessfulJobsHistoryLimit)
	assert.Equal(t, int32(0), *obj.Spec.FailedJobsHistoryLimit)
	assert.Equal(t, "cronjobs", obj.Spec.JobTemplate.Labels[joblabels.Component])
	assert.Equal(t, int32(30), *obj.Spec.JobTemplate.Spec.TTLSecondsAfterFinished)
	assert.Equal(t, corev1.RestartPolicyNever, obj.Spec.JobTemplate.Spec.Template.Spec.RestartPolicy)
}

func TestK8sObjectDeployment(t *testing.T) {
	spec := baseSpec()
	spec.Continuous = true
	spec.NoWrapper = true
	spec.Command = "./myscript.sh --arg 'hello world'"
	j, err := New(spec)
	require.NoError(t, err)

	obj, ok := j.K8sObject().(*appsv1.Deployment)
	require.True(t, ok)
	assert.Equal(t, int32(1), *obj.Spec.Replicas)
	assert.Equal(t, obj.Labels, obj.Spec.Selector.MatchLabels)
	assert.Equal(t, corev1.RestartPolicyAlways, obj.Spec.Template.Spec.RestartPolicy)

	container := obj.Spec.Template.Spec.Containers[0]
	assert.Equal(t, []string{"./myscript.sh"}, container.Command)
	assert.Equal(t, []string{"--arg", "hello world"}, container.Args)
}

func TestResources(t *testing.T) {
	tests := []struct {
		memory, cpu               string
		requestMemory, requestCPU string
	}{
		{memory: "256Mi", cpu: "250m", requestMemory: "256Mi", requestCPU: "250m"},
		{memory: "512Mi", cpu: "500m", requestMemory: "256Mi", requestCPU: "250m"},
		{memory: "1Gi", cpu: "1", requestMemory: "512Mi", requestCPU: "500m"},
		{memory: "2Gi", cpu: "3", requestMemory: "1Gi", requestCPU: "1500m"},
	}
	for _, tt := range tests {
		t.Run(tt.memory+"/"+tt.cpu, func(t *testing.T) {
			spec := baseSpec()
			spec.Memory, spec.CPU = tt.memory, tt.cpu
			j, err := New(spec)
			require.NoError(t, err)

			resources := j.resources()
			limitMemory := resources.Limits[corev1.ResourceMemory]
			limitCPU := resources.Limits[corev1.ResourceCPU]
			requestMemory := resources.Requests[corev1.ResourceMemory]
			requestCPU := resources.Requests[corev1.ResourceCPU]
			assert.Equal(t, tt.memory, limitMemory.String())
			assert.Equal(t, tt.cpu, limitCPU.String())
			assert.Equal(t, tt.requestMemory, requestMemory.String())
			assert.Equal(t, tt.requestCPU, requestCPU.String())
		})
	}
}

func TestFromObjectRoundTrip(t *testing.T) {
	specs := map[string]func(*Spec){
		"one-off": func(s *Spec) {},
		"one-off with logs": func(s *Spec) {
			s.FileLog = true
			s.FileLogStdout = "/data/project/test/logs/myjob.log"
		},
		"recurring macro": func(s *Spec) { s.Schedule = "@weekly"; s.Retry = 3 },
		"recurring":       func(s *Spec) { s.Schedule = "*/5 * * * mon-fri"; s.Emails = "onfailure" },
		"continuous":      func(s *Spec) { s.Continuous = true; s.Memory = "1Gi"; s.CPU = "2" },
		"unwrapped": func(s *Spec) {
			s.NoWrapper = true
			s.Command = "./myscript.sh --arg 'hello world'"
		},
	}
	for name, modify := range specs {
		t.Run(name, func(t *testing.T) {
			spec := baseSpec()
			modify(&spec)
			j, err := New(spec)
			require.NoError(t, err)

			obj := j.K8sObject()
			got, err := FromObject(obj)
			require.NoError(t, err)
			assert.Same(t, obj, got.Object)

			got.Object = nil
			assert.Equal(t, j, got)
		})
	}
}

func TestFromObjectLegacy(t *testing.T) {
	obj := &batchv1.CronJob{
		ObjectMeta: metav1.ObjectMeta{
			Name:      "myjob",
			Namespace: "tool-test",
			UID:       "cron-uid",
			Labels: map[string]string{
				joblabels.Toolforge: "tool",
				joblabels.Version:   "1",
				joblabels.ManagedBy: "toolforge-jobs-framework",
				joblabels.Component: "cronjobs",
				joblabels.Name:      "myjob",
				joblabels.FileLog:   "yes",
			},
		},
		Spec: batchv1.CronJobSpec{
			Schedule: "0 0 * * *",
			JobTemplate: batchv1.JobTemplateSpec{
				Spec: batchv1.JobSpec{
					Template: corev1.PodTemplateSpec{
						Spec: corev1.PodSpec{
							Containers: []corev1.Container{{
								Image:   "image",
								Command: []string{"/bin/sh", "-c", "--", "./command-by-the-user.sh --with-args 1>>myjob.out 2>>myjob.err"},
							}},
						},
					},
				},
			},
		},
	}

	j, err := FromObject(obj)
	require.NoError(t, err)
	assert.Equal(t, "test", j.Tool)
	assert.Equal(t, Recurring, j.Kind)
	assert.Equal(t, "./command-by-the-user.sh --with-args", j.Command.UserCommand)
	assert.True(t, j.Command.FileLog)
	assert.Equal(t, "0 0 * * *", j.Schedule.Text)
	assert.Equal(t, DefaultMemory, j.Memory)
	assert.Equal(t, 0, j.Retry)
	assert.Equal(t, "none", j.Emails)
	assert.Equal(t, "cron-uid", string(j.UID()))
}

func TestFromObjectUnknown(t *testing.T) {
	_, err := FromObject(&corev1.Pod{})
	require.Error(t, err)
	assert.True(t, apierror.IsInternal(err))

	j, err := FromObject(&appsv1.Deployment{ObjectMeta: metav1.ObjectMeta{Name: "empty", Namespace: "tool-test"}})
	require.NoError(t, err)
	assert.Equal(t, "unknown", j.Command.UserCommand)
}

func TestManualRunObject(t *testing.T) {
	spec := baseSpec()
	spec.Schedule = "0 * * * *"
	j, err := New(spec)
	require.NoError(t, err)

	obj := j.ManualRunObject("cron-uid")
	assert.True(t, strings.HasPrefix(obj.Name, "myjob-"))
	assert.Len(t, obj.Name, len("myjob-")+5)
	assert.Equal(t, "manual", obj.Annotations[joblabels.InstantiateAnnotation])
	require.Len(t, obj.OwnerReferences, 1)
	assert.Equal(t, "CronJob", obj.OwnerReferences[0].Kind)
	assert.Equal(t, "cron-uid", string(obj.OwnerReferences[0].UID))
	assert.Equal(t, "cronjobs", obj.Labels[joblabels.Component])

	cronJob := j.K8sObject().(*batchv1.CronJob)
	assert.Equal(t, cronJob.Spec.JobTemplate.Spec, obj.Spec)
}

func TestAPIObject(t *testing.T) {
	spec := baseSpec()
	spec.Schedule = "@daily"
	spec.FileLog = true
	spec.CPU = "1"
	j, err := New(spec)
	require.NoError(t, err)

	obj := j.APIObject()
	assert.Equal(t, "myjob", obj.Name)
	assert.Equal(t, "./command-by-the-user.sh --with-args", obj.Cmd)
	assert.Equal(t, "@daily", obj.Schedule)
	assert.Equal(t, j.Schedule.Format(), obj.ScheduleActual)
	assert.True(t, obj.FileLog)
	assert.Equal(t, "myjob.out", obj.FileLogStdout)
	assert.Empty(t, obj.Memory)
	assert.Equal(t, "1", obj.CPU)
	assert.False(t, obj.Continuous)
	assert.Equal(t, "Unknown", obj.StatusShort)
}
