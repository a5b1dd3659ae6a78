package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/toolforge/jobs-api/pkg/cron"
	"github.com/toolforge/jobs-api/pkg/job"
	"github.com/toolforge/jobs-api/pkg/kapi"
	"github.com/toolforge/jobs-api/pkg/metrics"
	"github.com/toolforge/jobs-api/pkg/ops"
	"github.com/toolforge/jobs-api/pkg/status"
	"github.com/urfave/cli"
	"gopkg.in/natefinch/lumberjack.v2"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/tools/clientcmd"
	"sigs.k8s.io/yaml"
)

var VERSION = "v0.0.0-dev"

func main() {
	app := cli.NewApp()
	app.Name = "jobs-api"
	app.Usage = "Manage Toolforge jobs on Kubernetes"
	app.Version = VERSION
	app.Before = func(ctx *cli.Context) error {
		if ctx.GlobalBool("debug") {
			logrus.SetLevel(logrus.DebugLevel)
		}
		if path := ctx.GlobalString("log-file"); path != "" {
			logrus.SetOutput(&lumberjack.Logger{
				Filename:   path,
				MaxSize:    10,
				MaxBackups: 3,
			})
		}
		return metrics.Register(prometheus.DefaultRegisterer)
	}
	app.After = func(ctx *cli.Context) error {
		if path := ctx.GlobalString("metrics-file"); path != "" {
			return prometheus.WriteToTextfile(path, prometheus.DefaultGatherer)
		}
		return nil
	}
	app.Flags = []cli.Flag{
		cli.BoolFlag{
			Name:  "debug",
			Usage: "Enable debug logging",
		},
		cli.StringFlag{
			Name:   "kubeconfig",
			Usage:  "Kube config for accessing kubernetes cluster",
			EnvVar: "KUBECONFIG",
		},
		cli.StringFlag{
			Name:   "tool",
			Usage:  "Tool owning the jobs",
			EnvVar: "TOOL",
		},
		cli.StringFlag{
			Name:  "namespace",
			Usage: "Namespace of the tool, defaults to tool-<tool>",
		},
		cli.StringFlag{
			Name:  "log-file",
			Usage: "Write logs to this file instead of stderr, rotated at 10MB",
		},
		cli.StringFlag{
			Name:  "metrics-file",
			Usage: "Write metrics in the text exposition format to this file on exit",
		},
	}
	app.Commands = []cli.Command{
		{
			Name:      "cron",
			Usage:     "Parse a schedule and show when it fires next",
			ArgsUsage: "EXPRESSION",
			Action:    cronAction,
			Flags: []cli.Flag{
				cli.StringFlag{
					Name:  "seed",
					Usage: "Seed for resolving macros, defaults to '<namespace> <name>'",
				},
				cli.StringFlag{
					Name:  "name",
					Usage: "Job name used in the default seed",
					Value: "job",
				},
				cli.IntFlag{
					Name:  "count",
					Usage: "Number of upcoming runs to show",
					Value: 5,
				},
			},
		},
		{
			Name:      "render",
			Usage:     "Print the Kubernetes object for a job without creating it",
			ArgsUsage: "NAME COMMAND",
			Action:    renderAction,
			Flags:     jobFlags,
		},
		{
			Name:      "run",
			Usage:     "Create a job",
			ArgsUsage: "NAME COMMAND",
			Action:    runAction,
			Flags:     jobFlags,
		},
		{
			Name:      "list",
			Usage:     "List jobs with their status",
			ArgsUsage: "[NAME]",
			Action:    listAction,
		},
		{
			Name:      "show",
			Usage:     "Show a single job",
			ArgsUsage: "NAME",
			Action:    showAction,
		},
		{
			Name:      "restart",
			Usage:     "Run a recurring job now or restart a continuous one",
			ArgsUsage: "NAME",
			Action:    restartAction,
		},
		{
			Name:      "delete",
			Usage:     "Delete a job and everything it started",
			ArgsUsage: "NAME",
			Action:    deleteAction,
		},
		{
			Name:   "flush",
			Usage:  "Delete all jobs of the tool",
			Action: flushAction,
		},
		{
			Name:   "quota",
			Usage:  "Show quota usage of the tool",
			Action: quotaAction,
		},
	}

	if err := app.Run(os.Args); err != nil {
		logrus.Fatal(err)
	}
}

var jobFlags = []cli.Flag{
	cli.StringFlag{Name: "image", Usage: "Container image"},
	cli.StringFlag{Name: "schedule", Usage: "Cron expression or macro for a recurring job"},
	cli.BoolFlag{Name: "continuous", Usage: "Keep the job running"},
	cli.BoolFlag{Name: "no-wrapper", Usage: "Run the command without a shell"},
	cli.BoolFlag{Name: "filelog", Usage: "Write output to files in the tool home"},
	cli.StringFlag{Name: "filelog-stdout", Usage: "File for standard output"},
	cli.StringFlag{Name: "filelog-stderr", Usage: "File for standard error"},
	cli.StringFlag{Name: "mem", Usage: "Memory limit"},
	cli.StringFlag{Name: "cpu", Usage: "CPU limit"},
	cli.IntFlag{Name: "retry", Usage: "Number of retries for failed runs"},
	cli.StringFlag{Name: "emails", Usage: "Email notifications: none, all, onfinish or onfailure", Value: "none"},
}

func cronAction(ctx *cli.Context) error {
	if ctx.NArg() != 1 {
		return cli.NewExitError("expected a single cron expression, quote it", 1)
	}

	seed := ctx.String("seed")
	if seed == "" {
		seed = namespace(ctx) + " " + ctx.String("name")
	}
	expr, err := cron.Parse(ctx.Args().First(), seed)
	if err != nil {
		return err
	}

	fmt.Println(expr.Format())
	next := time.Now()
	for i := 0; i < ctx.Int("count"); i++ {
		if next, err = expr.Next(next); err != nil {
			return err
		}
		fmt.Println(next.Format(time.RFC3339))
	}
	return nil
}

func renderAction(ctx *cli.Context) error {
	j, err := jobFromFlags(ctx)
	if err != nil {
		return err
	}
	return printYAML(j.K8sObject())
}

func runAction(ctx *cli.Context) error {
	j, err := jobFromFlags(ctx)
	if err != nil {
		return err
	}
	m, err := manager(ctx)
	if err != nil {
		return err
	}

	created, err := m.CreateJob(context.Background(), j)
	if err != nil {
		return err
	}
	return printYAML(created.APIObject())
}

func listAction(ctx *cli.Context) error {
	m, err := manager(ctx)
	if err != nil {
		return err
	}

	jobs, err := m.ListJobs(context.Background(), ctx.Args().First())
	if err != nil {
		return err
	}
	result := make([]job.APIObject, 0, len(jobs))
	for _, j := range jobs {
		result = append(result, j.APIObject())
	}
	return printYAML(result)
}

func showAction(ctx *cli.Context) error {
	m, err := manager(ctx)
	if err != nil {
		return err
	}
	j, err := m.FindJob(context.Background(), ctx.Args().First())
	if err != nil {
		return err
	}
	return printYAML(j.APIObject())
}

func restartAction(ctx *cli.Context) error {
	m, err := manager(ctx)
	if err != nil {
		return err
	}
	j, err := m.FindJob(context.Background(), ctx.Args().First())
	if err != nil {
		return err
	}
	return m.RestartJob(context.Background(), j)
}

func deleteAction(ctx *cli.Context) error {
	m, err := manager(ctx)
	if err != nil {
		return err
	}
	return m.DeleteJob(context.Background(), ctx.Args().First())
}

func flushAction(ctx *cli.Context) error {
	m, err := manager(ctx)
	if err != nil {
		return err
	}
	return m.FlushJobs(context.Background())
}

func quotaAction(ctx *cli.Context) error {
	m, err := manager(ctx)
	if err != nil {
		return err
	}
	quota, err := m.GetQuota(context.Background())
	if err != nil {
		return err
	}
	return printYAML(quota)
}

func jobFromFlags(ctx *cli.Context) (*job.Job, error) {
	if ctx.NArg() < 2 {
		return nil, cli.NewExitError("expected a job name and a command", 1)
	}
	tool, err := toolName(ctx)
	if err != nil {
		return nil, err
	}

	j, err := job.New(job.Spec{
		Name:          ctx.Args().First(),
		Tool:          tool,
		Image:         ctx.String("image"),
		Namespace:     namespace(ctx),
		Command:       strings.Join(ctx.Args().Tail(), " "),
		NoWrapper:     ctx.Bool("no-wrapper"),
		FileLog:       ctx.Bool("filelog"),
		FileLogStdout: ctx.String("filelog-stdout"),
		FileLogStderr: ctx.String("filelog-stderr"),
		Schedule:      ctx.String("schedule"),
		Continuous:    ctx.Bool("continuous"),
		Memory:        ctx.String("mem"),
		CPU:           ctx.String("cpu"),
		Retry:         ctx.Int("retry"),
		Emails:        ctx.String("emails"),
	})
	if err != nil {
		return nil, err
	}
	return j, nil
}

func manager(ctx *cli.Context) (*ops.Manager, error) {
	tool, err := toolName(ctx)
	if err != nil {
		return nil, err
	}

	kubeConfig, err := clientcmd.BuildConfigFromFlags("", ctx.GlobalString("kubeconfig"))
	if err != nil {
		return nil, errors.Wrap(err, "loading kube config")
	}
	clientset, err := kubernetes.NewForConfig(kubeConfig)
	if err != nil {
		return nil, errors.Wrap(err, "creating kubernetes client")
	}

	client := kapi.New(clientset, namespace(ctx))
	return ops.New(client, status.New(client), tool), nil
}

func toolName(ctx *cli.Context) (string, error) {
	tool := ctx.GlobalString("tool")
	if tool == "" {
		return "", cli.NewExitError("--tool is required", 1)
	}
	return tool, nil
}

func namespace(ctx *cli.Context) string {
	if ns := ctx.GlobalString("namespace"); ns != "" {
		return ns
	}
	return "tool-" + ctx.GlobalString("tool")
}

func printYAML(obj interface{}) error {
	data, err := yaml.Marshal(obj)
	if err != nil {
		return err
	}
	_, err = os.Stdout.Write(data)
	return err
}
