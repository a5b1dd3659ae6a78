package ops

import (
	"context"

	"github.com/toolforge/jobs-api/pkg/apierror"
	"github.com/toolforge/jobs-api/pkg/job"
	corev1 "k8s.io/api/core/v1"
)

type Quota struct {
	Categories []QuotaCategory `json:"categories"`
}

type QuotaCategory struct {
	Name  string      `json:"name"`
	Items []QuotaItem `json:"items"`
}

// QuotaItem is a single limit. Used is empty for limits that apply per job.
type QuotaItem struct {
	Name  string `json:"name"`
	Limit string `json:"limit"`
	Used  string `json:"used,omitempty"`
}

// GetQuota summarizes the resource quota and the per container limits of the tool.
func (m *Manager) GetQuota(ctx context.Context) (*Quota, error) {
	namespace := m.client.Namespace()

	resourceQuota, err := m.client.GetResourceQuota(ctx, namespace)
	if err != nil {
		return nil, apierror.NewInternal("Unable to load quota information for this tool", err)
	}
	limitRange, err := m.client.GetLimitRange(ctx, namespace)
	if err != nil {
		return nil, apierror.NewInternal("Unable to load quota information for this tool", err)
	}

	var container *corev1.LimitRangeItem
	for i := range limitRange.Spec.Limits {
		if limitRange.Spec.Limits[i].Type == corev1.LimitTypeContainer {
			container = &limitRange.Spec.Limits[i]
			break
		}
	}
	if container == nil {
		return nil, apierror.NewInternal("Unable to load quota information for this tool", nil).
			WithData("limitrange", limitRange.Name)
	}

	status := resourceQuota.Status
	used := func(name string, resource corev1.ResourceName) QuotaItem {
		hard, current := status.Hard[resource], status.Used[resource]
		return QuotaItem{Name: name, Limit: hard.String(), Used: current.String()}
	}
	perJob := func(name string, resource corev1.ResourceName) QuotaItem {
		limit := container.Max[resource]
		return QuotaItem{Name: name, Limit: limit.String()}
	}

	return &Quota{
		Categories: []QuotaCategory{
			{
				Name: "Running jobs",
				Items: []QuotaItem{
					used("Total running jobs at once (Kubernetes pods)", corev1.ResourcePods),
					used("Running one-off and cron jobs", countQuota[job.OneOff]),
					// requests are half of the limits for anything we create
					used("CPU", corev1.ResourceLimitsCPU),
					used("Memory", corev1.ResourceLimitsMemory),
				},
			},
			{
				Name: "Per-job limits",
				Items: []QuotaItem{
					perJob("CPU", corev1.ResourceCPU),
					perJob("Memory", corev1.ResourceMemory),
				},
			},
			{
				Name: "Job definitions",
				Items: []QuotaItem{
					used("Cron jobs", countQuota[job.Recurring]),
					used("Continuous jobs (including web services)", countQuota[job.Continuous]),
				},
			},
		},
	}, nil
}
