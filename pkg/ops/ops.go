package ops

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/toolforge/jobs-api/pkg/apierror"
	"github.com/toolforge/jobs-api/pkg/job"
	"github.com/toolforge/jobs-api/pkg/joblabels"
	"github.com/toolforge/jobs-api/pkg/kapi"
	"github.com/toolforge/jobs-api/pkg/status"
	"k8s.io/apimachinery/pkg/labels"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/util/wait"
)

const (
	defaultRestartTimeout = 30 * time.Second
	defaultPollInterval   = 500 * time.Millisecond
)

// Manager runs job operations for a single tool.
type Manager struct {
	client    kapi.Interface
	refresher *status.Refresher
	tool      string

	// RestartTimeout bounds how long a restart waits for running pods to go away.
	RestartTimeout time.Duration
	PollInterval   time.Duration
}

func New(client kapi.Interface, refresher *status.Refresher, tool string) *Manager {
	return &Manager{
		client:         client,
		refresher:      refresher,
		tool:           tool,
		RestartTimeout: defaultRestartTimeout,
		PollInterval:   defaultPollInterval,
	}
}

// ListJobs returns the tool's jobs with fresh statuses. An empty jobName lists every job; an invalid
// one matches nothing.
func (m *Manager) ListJobs(ctx context.Context, jobName string) ([]*job.Job, error) {
	if jobName != "" && job.ValidateName(jobName) != nil {
		return nil, nil
	}

	var result []*job.Job
	for _, kind := range job.Kinds {
		objs, err := m.list(ctx, kind, joblabels.Selector(jobName, m.tool, string(kind)))
		if err != nil {
			return nil, apierror.NewInternal("unable to list jobs", err)
		}

		for _, obj := range objs {
			j, err := job.FromObject(obj)
			if err != nil {
				return nil, err
			}
			if _, err := m.refresher.Refresh(ctx, j); err != nil {
				return nil, err
			}
			result = append(result, j)
		}
	}
	return result, nil
}

// FindJob returns the named job or a not found error.
func (m *Manager) FindJob(ctx context.Context, name string) (*job.Job, error) {
	jobs, err := m.ListJobs(ctx, name)
	if err != nil {
		return nil, err
	}
	for _, j := range jobs {
		if j.Name == name {
			return j, nil
		}
	}
	return nil, apierror.NewNotFound("Job '" + name + "' does not exist")
}

// DeleteJob removes every object belonging to the named job, including runs started by cronjobs.
// Invalid names are ignored.
func (m *Manager) DeleteJob(ctx context.Context, name string) error {
	if job.ValidateName(name) != nil {
		return nil
	}
	return m.delete(ctx, name)
}

// FlushJobs deletes all jobs of the tool.
func (m *Manager) FlushJobs(ctx context.Context) error {
	return m.delete(ctx, "")
}

func (m *Manager) delete(ctx context.Context, name string) error {
	for _, kind := range job.Kinds {
		if err := m.client.DeleteCollection(ctx, kapi.Resource(kind), joblabels.Selector(name, m.tool, string(kind))); err != nil {
			return apierror.NewInternal("unable to delete jobs", err)
		}
	}

	// runs of cronjobs and their pods
	everything := joblabels.Selector(name, m.tool, "")
	for _, resource := range []kapi.Resource{kapi.Jobs, kapi.Pods} {
		if err := m.client.DeleteCollection(ctx, resource, everything); err != nil {
			return apierror.NewInternal("unable to delete jobs", err)
		}
	}

	logrus.Debugf("[ops] deleted jobs matching %s in %s", everything, m.client.Namespace())
	return nil
}

// RestartJob starts a recurring job right now, or recreates the pods of a continuous one.
func (m *Manager) RestartJob(ctx context.Context, j *job.Job) error {
	selector := joblabels.Selector(j.Name, m.tool, string(j.Kind))

	switch j.Kind {
	case job.Recurring:
		// running runs are replaced, not duplicated
		for _, resource := range []kapi.Resource{kapi.Jobs, kapi.Pods} {
			if err := m.client.DeleteCollection(ctx, resource, selector); err != nil {
				return apierror.NewInternal("unable to stop running jobs", err)
			}
		}
		if err := m.waitForPodExit(ctx, selector); err != nil {
			logrus.Warnf("[ops] pods of %s/%s still running after %s: %v", m.client.Namespace(), j.Name, m.RestartTimeout, err)
		}
		return m.launchManualRun(ctx, j)
	case job.Continuous:
		if err := m.client.DeleteCollection(ctx, kapi.Pods, selector); err != nil {
			return apierror.NewInternal("unable to restart job", err)
		}
		return nil
	case job.OneOff:
		return apierror.NewValidation("", "Unable to restart a single job")
	default:
		return apierror.NewInternal("Unable to restart unknown job type: "+string(j.Kind), nil)
	}
}

func (m *Manager) waitForPodExit(ctx context.Context, selector labels.Selector) error {
	return wait.PollUntilContextTimeout(ctx, m.PollInterval, m.RestartTimeout, true, func(ctx context.Context) (bool, error) {
		pods, err := m.client.ListPods(ctx, selector)
		if err != nil {
			return false, err
		}
		return len(pods) == 0, nil
	})
}

func (m *Manager) launchManualRun(ctx context.Context, j *job.Job) error {
	if err := m.ValidateJobLimits(ctx, j); err != nil {
		return err
	}

	cronJob, err := m.client.GetCronJob(ctx, j.Name)
	if err != nil {
		return apierror.NewInternal("unable to load cronjob", err)
	}

	run := j.ManualRunObject(cronJob.UID)
	if _, err := m.client.Create(ctx, run); err != nil {
		return m.createError(ctx, err, j, run)
	}
	logrus.Infof("[ops] started %s/%s from cronjob %s", run.Namespace, run.Name, j.Name)
	return nil
}

func (m *Manager) list(ctx context.Context, kind job.Kind, selector labels.Selector) ([]runtime.Object, error) {
	var result []runtime.Object
	switch kind {
	case job.OneOff:
		items, err := m.client.ListJobs(ctx, selector)
		if err != nil {
			return nil, err
		}
		for i := range items {
			result = append(result, &items[i])
		}
	case job.Recurring:
		items, err := m.client.ListCronJobs(ctx, selector)
		if err != nil {
			return nil, err
		}
		for i := range items {
			result = append(result, &items[i])
		}
	case job.Continuous:
		items, err := m.client.ListDeployments(ctx, selector)
		if err != nil {
			return nil, err
		}
		for i := range items {
			result = append(result, &items[i])
		}
	default:
		return nil, errors.Errorf("unknown job kind %q", kind)
	}
	return result, nil
}
