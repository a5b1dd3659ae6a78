package ops

import (
	"context"

	"github.com/sirupsen/logrus"
	"github.com/toolforge/jobs-api/pkg/apierror"
	"github.com/toolforge/jobs-api/pkg/job"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/api/resource"
	"k8s.io/apimachinery/pkg/runtime"
)

const outOfQuota = "Out of quota for this kind of job. Please see https://w.wiki/6YLP for details."

// countQuota is the object count quota each kind of job is created under.
var countQuota = map[job.Kind]corev1.ResourceName{
	job.OneOff:     "count/jobs.batch",
	job.Recurring:  "count/cronjobs.batch",
	job.Continuous: "count/deployments.apps",
}

// CreateJob checks j against the per container limits and creates its workload.
func (m *Manager) CreateJob(ctx context.Context, j *job.Job) (*job.Job, error) {
	if err := m.ValidateJobLimits(ctx, j); err != nil {
		return nil, err
	}

	obj := j.K8sObject()
	created, err := m.client.Create(ctx, obj)
	if err != nil {
		return nil, m.createError(ctx, err, j, obj)
	}
	logrus.Infof("[ops] created %s %s/%s", j.Kind, j.Namespace, j.Name)

	result, err := job.FromObject(created)
	if err != nil {
		return nil, err
	}
	result.Command, result.Schedule = j.Command, j.Schedule
	return result, nil
}

// ValidateJobLimits rejects jobs whose cpu or memory fall outside the container limits of the
// namespace limit range. A namespace without a limit range accepts anything.
func (m *Manager) ValidateJobLimits(ctx context.Context, j *job.Job) error {
	limitRange, err := m.client.GetLimitRange(ctx, m.client.Namespace())
	if apierrors.IsNotFound(err) {
		return nil
	} else if err != nil {
		return apierror.NewInternal("unable to load limits for this tool", err)
	}

	for _, limit := range limitRange.Spec.Limits {
		if limit.Type != corev1.LimitTypeContainer {
			continue
		}
		if err := checkLimit("CPU", "cpu", j.CPU, limit.Min[corev1.ResourceCPU], limit.Max[corev1.ResourceCPU]); err != nil {
			return err
		}
		if err := checkLimit("memory", "memory", j.Memory, limit.Min[corev1.ResourceMemory], limit.Max[corev1.ResourceMemory]); err != nil {
			return err
		}
	}
	return nil
}

// checkLimit treats zero bounds as unset.
func checkLimit(label, field, requested string, minimum, maximum resource.Quantity) error {
	if requested == "" {
		return nil
	}
	value, err := job.ParseQuantity(field, requested)
	if err != nil {
		return err
	}

	if !minimum.IsZero() && value.Cmp(minimum) < 0 {
		return apierror.NewValidationf(field, "Requested %s %s is less than minimum required per container (%s)",
			label, requested, minimum.String())
	}
	if !maximum.IsZero() && value.Cmp(maximum) > 0 {
		return apierror.NewValidationf(field, "Requested %s %s is over maximum allowed per container (%s)",
			label, requested, maximum.String())
	}
	return nil
}

// createError translates a failed create into an API error carrying the rejected object.
func (m *Manager) createError(ctx context.Context, err error, j *job.Job, obj runtime.Object) error {
	logrus.Debugf("[ops] creating %s %s/%s failed: %v", j.Kind, m.client.Namespace(), j.Name, err)

	var result *apierror.Error
	switch {
	case apierrors.IsForbidden(err) && m.outOfQuota(ctx, j.Kind):
		result = apierror.NewValidation("", outOfQuota)
		result.Cause = err
	case apierrors.IsAlreadyExists(err) || apierrors.IsConflict(err):
		result = apierror.NewConflict("An object with the same name exists already")
		result.Cause = err
	default:
		result = apierror.NewInternal("Failed to create a job, likely an internal bug in the jobs framework.", err)
	}
	return result.WithData("k8s_object", obj).WithData("k8s_error", err.Error())
}

func (m *Manager) outOfQuota(ctx context.Context, kind job.Kind) bool {
	name, ok := countQuota[kind]
	if !ok {
		return false
	}

	quotas, err := m.client.ListResourceQuotas(ctx)
	if err != nil || len(quotas) == 0 {
		return false
	}

	hard, ok := quotas[0].Status.Hard[name]
	if !ok {
		return false
	}
	used := quotas[0].Status.Used[name]
	return used.Cmp(hard) >= 0
}
