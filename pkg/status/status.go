package status

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/rancher/wrangler/v3/pkg/condition"
	"github.com/sirupsen/logrus"
	"github.com/toolforge/jobs-api/pkg/apierror"
	"github.com/toolforge/jobs-api/pkg/job"
	"github.com/toolforge/jobs-api/pkg/joblabels"
	"github.com/toolforge/jobs-api/pkg/kapi"
	"github.com/toolforge/jobs-api/pkg/metrics"
	appsv1 "k8s.io/api/apps/v1"
	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/api/equality"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
)

const (
	Waiting      = "Waiting for scheduled time"
	Completed    = "Completed"
	NotRunning   = "Not running"
	Running      = "Running"
	Failed       = "Failed"
	FailsToStart = "Fails to start"
	Unknown      = job.StatusUnknown

	runningFor    = "Running for"
	lastSchedule  = "Last schedule time"
	unableToStart = "Unable to start"
)

var (
	jobComplete    = condition.Cond(batchv1.JobComplete)
	available      = condition.Cond(appsv1.DeploymentAvailable)
	replicaFailure = condition.Cond(appsv1.DeploymentReplicaFailure)
)

// Status is computed on every read and never stored.
type Status struct {
	Short string
	Long  string
}

// Refresher derives job statuses from the current state of their workloads.
type Refresher struct {
	client kapi.Interface
	// Now is the clock used to compute running times.
	Now func() time.Time
}

func New(client kapi.Interface) *Refresher {
	return &Refresher{
		client: client,
		Now:    time.Now,
	}
}

// Refresh computes both statuses and stores them on j.
func (r *Refresher) Refresh(ctx context.Context, j *job.Job) (Status, error) {
	short, err := r.ShortStatus(ctx, j)
	if err != nil {
		return Status{}, err
	}
	long, err := r.LongStatus(ctx, j)
	if err != nil {
		return Status{}, err
	}

	j.StatusShort, j.StatusLong = short, long
	metrics.ObserveStatusRefresh(string(j.Kind), category(short))
	return Status{Short: short, Long: long}, nil
}

// ShortStatus returns one of the fixed status phrases. It only fails for job kinds it doesn't know;
// missing or unreadable data degrades to a less specific status.
func (r *Refresher) ShortStatus(ctx context.Context, j *job.Job) (string, error) {
	switch j.Kind {
	case job.OneOff:
		obj := r.jobObject(ctx, j)
		if obj == nil {
			return Unknown, nil
		}
		if status := r.oneOffStatus(ctx, obj, true); status != "" {
			return status, nil
		}
		return Unknown, nil
	case job.Recurring:
		obj := r.cronJobObject(ctx, j)
		if obj == nil {
			return Unknown, nil
		}
		return r.recurringStatus(ctx, j, obj), nil
	case job.Continuous:
		obj := r.deploymentObject(ctx, j)
		if obj == nil {
			return Unknown, nil
		}
		return r.continuousStatus(ctx, j, obj), nil
	default:
		return "", apierror.NewInternal(fmt.Sprintf("unable to refresh status for unknown job type %q", j.Kind), nil).
			WithData("job", j.Name)
	}
}

// oneOffStatus returns "" when nothing conclusive was found. Completion is only considered when
// forComplete is set, runs of a recurring job are reported while they are active.
func (r *Refresher) oneOffStatus(ctx context.Context, obj *batchv1.Job, forComplete bool) string {
	if forComplete {
		if jobComplete.IsTrue(obj) {
			return Completed
		}
		if jobComplete.IsFalse(obj) {
			return NotRunning
		}
	}

	if obj.Status.Failed > 0 {
		return Failed
	}

	if obj.Status.Active > 0 && obj.Status.StartTime != nil {
		elapsed := r.Now().Sub(obj.Status.StartTime.Time)
		return fmt.Sprintf("%s %s", runningFor, FormatDuration(int(elapsed.Seconds())))
	}

	events, err := r.client.ListEvents(ctx, obj.UID)
	if err != nil {
		logrus.Debugf("[status] unable to list events for job %s/%s: %v", obj.Namespace, obj.Name, err)
		return ""
	}
	sort.SliceStable(events, func(i, k int) bool {
		return eventTime(events[i]).After(eventTime(events[k]))
	})
	for _, event := range events {
		if event.Reason != "FailedCreate" {
			continue
		}
		if isQuotaError(event.Message) {
			return fmt.Sprintf("%s, %s", unableToStart, QuotaError(event.Message))
		}
		return unableToStart
	}
	return ""
}

func (r *Refresher) recurringStatus(ctx context.Context, j *job.Job, obj *batchv1.CronJob) string {
	if obj.Status.LastScheduleTime == nil {
		return Waiting
	}

	var status string
	for _, ref := range obj.Status.Active {
		run, err := r.client.GetJob(ctx, ref.Name)
		if err != nil {
			logrus.Debugf("[status] unable to get active run %s of cronjob %s/%s: %v", ref.Name, obj.Namespace, obj.Name, err)
			continue
		}
		if s := r.oneOffStatus(ctx, run, false); s != "" {
			status = s
		}
	}
	if status != "" {
		return status
	}

	if run := r.manualRun(ctx, j, obj); run != nil {
		if s := r.oneOffStatus(ctx, run, true); s != "" {
			return s
		}
	}

	return fmt.Sprintf("%s: %s", lastSchedule, obj.Status.LastScheduleTime.UTC().Format(time.RFC3339))
}

// manualRun finds the newest job started by hand from the cronjob that still runs the cronjob's
// command.
func (r *Refresher) manualRun(ctx context.Context, j *job.Job, obj *batchv1.CronJob) *batchv1.Job {
	runs, err := r.client.ListJobs(ctx, joblabels.Selector(j.Name, j.Tool, string(job.Recurring)))
	if err != nil {
		logrus.Debugf("[status] unable to list manual runs of cronjob %s/%s: %v", obj.Namespace, obj.Name, err)
		return nil
	}

	var best *batchv1.Job
	for i := range runs {
		run := &runs[i]
		if run.Annotations[joblabels.InstantiateAnnotation] != joblabels.InstantiateManual {
			continue
		}
		if !ownedBy(run.OwnerReferences, obj) {
			continue
		}
		if !sameCommand(run.Spec.Template.Spec, obj.Spec.JobTemplate.Spec.Template.Spec) {
			continue
		}
		if best == nil || best.CreationTimestamp.Before(&run.CreationTimestamp) {
			best = run
		}
	}
	return best
}

func (r *Refresher) continuousStatus(ctx context.Context, j *job.Job, obj *appsv1.Deployment) string {
	status := Unknown
	if available.IsTrue(obj) {
		status = Running
	} else if available.IsFalse(obj) {
		status = NotRunning
	}

	if replicaFailure.IsTrue(obj) && replicaFailure.GetReason(obj) == "FailedCreate" {
		if message := replicaFailure.GetMessage(obj); isQuotaError(message) {
			status = fmt.Sprintf("%s, %s", unableToStart, QuotaError(message))
		}
	}

	if status != NotRunning {
		return status
	}

	pods, err := r.client.ListPods(ctx, joblabels.Selector(j.Name, j.Tool, string(j.Kind)))
	if err != nil {
		logrus.Debugf("[status] unable to list pods of deployment %s/%s: %v", obj.Namespace, obj.Name, err)
		return status
	}
	for _, pod := range pods {
		for _, cs := range pod.Status.ContainerStatuses {
			if cs.State.Waiting != nil && cs.State.Waiting.Reason == "CrashLoopBackOff" {
				return FailsToStart
			}
			if cs.State.Terminated != nil && cs.State.Terminated.Reason == "Error" {
				return FailsToStart
			}
		}
	}
	return status
}

func (r *Refresher) jobObject(ctx context.Context, j *job.Job) *batchv1.Job {
	if obj, ok := j.Object.(*batchv1.Job); ok {
		return obj
	}
	obj, err := r.client.GetJob(ctx, j.Name)
	if err != nil {
		logrus.Debugf("[status] %v", err)
		return nil
	}
	return obj
}

func (r *Refresher) cronJobObject(ctx context.Context, j *job.Job) *batchv1.CronJob {
	if obj, ok := j.Object.(*batchv1.CronJob); ok {
		return obj
	}
	obj, err := r.client.GetCronJob(ctx, j.Name)
	if err != nil {
		logrus.Debugf("[status] %v", err)
		return nil
	}
	return obj
}

func (r *Refresher) deploymentObject(ctx context.Context, j *job.Job) *appsv1.Deployment {
	if obj, ok := j.Object.(*appsv1.Deployment); ok {
		return obj
	}
	obj, err := r.client.GetDeployment(ctx, j.Name)
	if err != nil {
		logrus.Debugf("[status] %v", err)
		return nil
	}
	return obj
}

func ownedBy(refs []metav1.OwnerReference, obj *batchv1.CronJob) bool {
	for _, ref := range refs {
		if ref.UID == obj.UID {
			return true
		}
	}
	return false
}

func sameCommand(a, b corev1.PodSpec) bool {
	if len(a.Containers) == 0 || len(b.Containers) == 0 {
		return false
	}
	return equality.Semantic.DeepEqual(a.Containers[0].Command, b.Containers[0].Command) &&
		equality.Semantic.DeepEqual(a.Containers[0].Args, b.Containers[0].Args)
}

func eventTime(event corev1.Event) time.Time {
	switch {
	case !event.LastTimestamp.IsZero():
		return event.LastTimestamp.Time
	case !event.EventTime.IsZero():
		return event.EventTime.Time
	default:
		return event.CreationTimestamp.Time
	}
}
