package status

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/toolforge/jobs-api/pkg/apierror"
	"github.com/toolforge/jobs-api/pkg/job"
	"github.com/toolforge/jobs-api/pkg/joblabels"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
)

const noPods = "No pods were created for this job."

// LongStatus describes the most recent pod of the job.
func (r *Refresher) LongStatus(ctx context.Context, j *job.Job) (string, error) {
	switch j.Kind {
	case job.OneOff, job.Recurring, job.Continuous:
	default:
		return "", apierror.NewInternal(fmt.Sprintf("unable to refresh status for unknown job type %q", j.Kind), nil).
			WithData("job", j.Name)
	}

	pods, err := r.client.ListPods(ctx, joblabels.Selector(j.Name, j.Tool, string(j.Kind)))
	if err != nil {
		logrus.Debugf("[status] unable to list pods for job %s/%s: %v", j.Namespace, j.Name, err)
		return Unknown, nil
	}
	if len(pods) == 0 {
		return noPods, nil
	}

	// one pod per run, the newest one is the interesting one
	sort.SliceStable(pods, func(i, k int) bool {
		if pods[i].CreationTimestamp.Equal(&pods[k].CreationTimestamp) {
			return pods[i].Name < pods[k].Name
		}
		return pods[k].CreationTimestamp.Before(&pods[i].CreationTimestamp)
	})
	return describePod(pods[0]), nil
}

func describePod(pod corev1.Pod) string {
	b := strings.Builder{}

	if pod.Status.StartTime != nil {
		fmt.Fprintf(&b, "Last run at %s.", formatTime(*pod.Status.StartTime))
	} else {
		b.WriteString("Run not attempted yet.")
	}

	phase := string(pod.Status.Phase)
	if phase == "" {
		phase = "unknown"
	}
	fmt.Fprintf(&b, " Pod in '%s' phase.", phase)

	if len(pod.Status.ContainerStatuses) == 0 {
		return b.String()
	}

	// jobs run a single container
	cs := pod.Status.ContainerStatuses[0]
	if cs.RestartCount > 0 {
		fmt.Fprintf(&b, " Pod has been restarted %d times.", cs.RestartCount)
	}

	switch {
	case cs.State.Running != nil:
		b.WriteString(" State 'running'.")
		if !cs.State.Running.StartedAt.IsZero() {
			fmt.Fprintf(&b, " Started at '%s'.", formatTime(cs.State.Running.StartedAt))
		}
	case cs.State.Waiting != nil:
		b.WriteString(" State 'waiting'.")
		fmt.Fprintf(&b, " Reason '%s'.", valueOr(cs.State.Waiting.Reason, "unknown"))
		if cs.State.Waiting.Message != "" {
			fmt.Fprintf(&b, " Additional message:'%s'.", cs.State.Waiting.Message)
		}
	case cs.State.Terminated != nil:
		t := cs.State.Terminated
		b.WriteString(" State 'terminated'.")
		fmt.Fprintf(&b, " Reason '%s'.", valueOr(t.Reason, "unknown"))
		if !t.StartedAt.IsZero() {
			fmt.Fprintf(&b, " Started at '%s'.", formatTime(t.StartedAt))
		}
		if !t.FinishedAt.IsZero() {
			fmt.Fprintf(&b, " Finished at '%s'.", formatTime(t.FinishedAt))
		}
		fmt.Fprintf(&b, " Exit code '%d'.", t.ExitCode)
		if t.Message != "" {
			fmt.Fprintf(&b, " Additional message:'%s'.", t.Message)
		}
	}

	return b.String()
}

func formatTime(t metav1.Time) string {
	return t.UTC().Format(time.RFC3339)
}

func valueOr(value, fallback string) string {
	if value == "" {
		return fallback
	}
	return value
}
