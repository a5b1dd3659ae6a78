package kapi

import (
	"context"

	"github.com/pkg/errors"
	appsv1 "k8s.io/api/apps/v1"
	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/fields"
	"k8s.io/apimachinery/pkg/labels"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/types"
	"k8s.io/client-go/kubernetes"
	"k8s.io/utils/ptr"
)

// Resource names a collection that can be deleted by label.
type Resource string

const (
	Jobs        Resource = "jobs"
	CronJobs    Resource = "cronjobs"
	Deployments Resource = "deployments"
	Pods        Resource = "pods"
)

// Interface is the read and write access the jobs framework needs to a single tool namespace.
type Interface interface {
	Namespace() string

	GetJob(ctx context.Context, name string) (*batchv1.Job, error)
	GetCronJob(ctx context.Context, name string) (*batchv1.CronJob, error)
	GetDeployment(ctx context.Context, name string) (*appsv1.Deployment, error)
	GetResourceQuota(ctx context.Context, name string) (*corev1.ResourceQuota, error)
	GetLimitRange(ctx context.Context, name string) (*corev1.LimitRange, error)

	ListJobs(ctx context.Context, selector labels.Selector) ([]batchv1.Job, error)
	ListCronJobs(ctx context.Context, selector labels.Selector) ([]batchv1.CronJob, error)
	ListDeployments(ctx context.Context, selector labels.Selector) ([]appsv1.Deployment, error)
	ListPods(ctx context.Context, selector labels.Selector) ([]corev1.Pod, error)
	// ListEvents returns the events whose involved object has the given UID.
	ListEvents(ctx context.Context, uid types.UID) ([]corev1.Event, error)
	ListResourceQuotas(ctx context.Context) ([]corev1.ResourceQuota, error)

	Create(ctx context.Context, obj runtime.Object) (runtime.Object, error)
	DeleteCollection(ctx context.Context, resource Resource, selector labels.Selector) error
}

// Client implements Interface with client-go.
type Client struct {
	k8s       kubernetes.Interface
	namespace string
}

func New(k8s kubernetes.Interface, namespace string) *Client {
	return &Client{
		k8s:       k8s,
		namespace: namespace,
	}
}

func (c *Client) Namespace() string {
	return c.namespace
}

func (c *Client) GetJob(ctx context.Context, name string) (*batchv1.Job, error) {
	obj, err := c.k8s.BatchV1().Jobs(c.namespace).Get(ctx, name, metav1.GetOptions{})
	if err != nil {
		return nil, errors.Wrapf(err, "getting job %s/%s", c.namespace, name)
	}
	return obj, nil
}

func (c *Client) GetCronJob(ctx context.Context, name string) (*batchv1.CronJob, error) {
	obj, err := c.k8s.BatchV1().CronJobs(c.namespace).Get(ctx, name, metav1.GetOptions{})
	if err != nil {
		return nil, errors.Wrapf(err, "getting cronjob %s/%s", c.namespace, name)
	}
	return obj, nil
}

func (c *Client) GetDeployment(ctx context.Context, name string) (*appsv1.Deployment, error) {
	obj, err := c.k8s.AppsV1().Deployments(c.namespace).Get(ctx, name, metav1.GetOptions{})
	if err != nil {
		return nil, errors.Wrapf(err, "getting deployment %s/%s", c.namespace, name)
	}
	return obj, nil
}

func (c *Client) GetResourceQuota(ctx context.Context, name string) (*corev1.ResourceQuota, error) {
	obj, err := c.k8s.CoreV1().ResourceQuotas(c.namespace).Get(ctx, name, metav1.GetOptions{})
	if err != nil {
		return nil, errors.Wrapf(err, "getting resource quota %s/%s", c.namespace, name)
	}
	return obj, nil
}

func (c *Client) GetLimitRange(ctx context.Context, name string) (*corev1.LimitRange, error) {
	obj, err := c.k8s.CoreV1().LimitRanges(c.namespace).Get(ctx, name, metav1.GetOptions{})
	if err != nil {
		return nil, errors.Wrapf(err, "getting limit range %s/%s", c.namespace, name)
	}
	return obj, nil
}

func (c *Client) ListJobs(ctx context.Context, selector labels.Selector) ([]batchv1.Job, error) {
	list, err := c.k8s.BatchV1().Jobs(c.namespace).List(ctx, listOptions(selector))
	if err != nil {
		return nil, errors.Wrapf(err, "listing jobs in %s", c.namespace)
	}
	return list.Items, nil
}

func (c *Client) ListCronJobs(ctx context.Context, selector labels.Selector) ([]batchv1.CronJob, error) {
	list, err := c.k8s.BatchV1().CronJobs(c.namespace).List(ctx, listOptions(selector))
	if err != nil {
		return nil, errors.Wrapf(err, "listing cronjobs in %s", c.namespace)
	}
	return list.Items, nil
}

func (c *Client) ListDeployments(ctx context.Context, selector labels.Selector) ([]appsv1.Deployment, error) {
	list, err := c.k8s.AppsV1().Deployments(c.namespace).List(ctx, listOptions(selector))
	if err != nil {
		return nil, errors.Wrapf(err, "listing deployments in %s", c.namespace)
	}
	return list.Items, nil
}

func (c *Client) ListPods(ctx context.Context, selector labels.Selector) ([]corev1.Pod, error) {
	list, err := c.k8s.CoreV1().Pods(c.namespace).List(ctx, listOptions(selector))
	if err != nil {
		return nil, errors.Wrapf(err, "listing pods in %s", c.namespace)
	}
	return list.Items, nil
}

func (c *Client) ListEvents(ctx context.Context, uid types.UID) ([]corev1.Event, error) {
	list, err := c.k8s.CoreV1().Events(c.namespace).List(ctx, metav1.ListOptions{
		FieldSelector: fields.OneTermEqualSelector("involvedObject.uid", string(uid)).String(),
	})
	if err != nil {
		return nil, errors.Wrapf(err, "listing events for %s in %s", uid, c.namespace)
	}

	// not every client honors field selectors
	result := make([]corev1.Event, 0, len(list.Items))
	for _, event := range list.Items {
		if event.InvolvedObject.UID == uid {
			result = append(result, event)
		}
	}
	return result, nil
}

func (c *Client) ListResourceQuotas(ctx context.Context) ([]corev1.ResourceQuota, error) {
	list, err := c.k8s.CoreV1().ResourceQuotas(c.namespace).List(ctx, metav1.ListOptions{})
	if err != nil {
		return nil, errors.Wrapf(err, "listing resource quotas in %s", c.namespace)
	}
	return list.Items, nil
}

// Create creates a Job, CronJob or Deployment in the client namespace.
func (c *Client) Create(ctx context.Context, obj runtime.Object) (runtime.Object, error) {
	switch o := obj.(type) {
	case *batchv1.Job:
		return c.k8s.BatchV1().Jobs(c.namespace).Create(ctx, o, metav1.CreateOptions{})
	case *batchv1.CronJob:
		return c.k8s.BatchV1().CronJobs(c.namespace).Create(ctx, o, metav1.CreateOptions{})
	case *appsv1.Deployment:
		return c.k8s.AppsV1().Deployments(c.namespace).Create(ctx, o, metav1.CreateOptions{})
	default:
		return nil, errors.Errorf("unable to create object of type %T", obj)
	}
}

// DeleteCollection deletes every object of resource matching selector, one at a time. Dependents are
// removed in the background.
func (c *Client) DeleteCollection(ctx context.Context, resource Resource, selector labels.Selector) error {
	names, err := c.names(ctx, resource, selector)
	if err != nil {
		return err
	}

	opts := metav1.DeleteOptions{PropagationPolicy: ptr.To(metav1.DeletePropagationBackground)}
	for _, name := range names {
		switch resource {
		case Jobs:
			err = c.k8s.BatchV1().Jobs(c.namespace).Delete(ctx, name, opts)
		case CronJobs:
			err = c.k8s.BatchV1().CronJobs(c.namespace).Delete(ctx, name, opts)
		case Deployments:
			err = c.k8s.AppsV1().Deployments(c.namespace).Delete(ctx, name, opts)
		case Pods:
			err = c.k8s.CoreV1().Pods(c.namespace).Delete(ctx, name, opts)
		}
		if err != nil && !apierrors.IsNotFound(err) {
			return errors.Wrapf(err, "deleting %s %s/%s", resource, c.namespace, name)
		}
	}
	return nil
}

func (c *Client) names(ctx context.Context, resource Resource, selector labels.Selector) ([]string, error) {
	var names []string
	switch resource {
	case Jobs:
		items, err := c.ListJobs(ctx, selector)
		if err != nil {
			return nil, err
		}
		for _, item := range items {
			names = append(names, item.Name)
		}
	case CronJobs:
		items, err := c.ListCronJobs(ctx, selector)
		if err != nil {
			return nil, err
		}
		for _, item := range items {
			names = append(names, item.Name)
		}
	case Deployments:
		items, err := c.ListDeployments(ctx, selector)
		if err != nil {
			return nil, err
		}
		for _, item := range items {
			names = append(names, item.Name)
		}
	case Pods:
		items, err := c.ListPods(ctx, selector)
		if err != nil {
			return nil, err
		}
		for _, item := range items {
			names = append(names, item.Name)
		}
	default:
		return nil, errors.Errorf("unable to delete unknown resource %q", resource)
	}
	return names, nil
}

func listOptions(selector labels.Selector) metav1.ListOptions {
	if selector == nil {
		return metav1.ListOptions{}
	}
	return metav1.ListOptions{LabelSelector: selector.String()}
}
