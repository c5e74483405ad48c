// file: internal/ecsm-mirror/util/printer.go

package util

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	k8smetav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/util/duration"

	ecsmv1 "github.com/fx147/ecsm-mirror/pkg/apis/ecsm/v1"
	metav1 "github.com/fx147/ecsm-mirror/pkg/apis/meta/v1"
)

// formatAge 将创建时间格式化为 "5m"、"3d" 这样的时长
func formatAge(ts k8smetav1.Time, now time.Time) string {
	if ts.IsZero() {
		return "<unknown>"
	}
	return duration.HumanDuration(now.Sub(ts.Time))
}

func orNone(s string) string {
	if s == "" {
		return "<none>"
	}
	return s
}

// PrintObjectsTable 将任意 kind 的对象列表以表格形式打印到指定的 writer。
func PrintObjectsTable(out io.Writer, objs []metav1.Object, now time.Time) {
	// 初始化 tabwriter
	w := tabwriter.NewWriter(out, 0, 0, 3, ' ', 0)
	defer w.Flush()

	// 打印表头
	fmt.Fprintln(w, "NAMESPACE\tNAME\tKIND\tRESOURCEVERSION\tAGE")

	for _, obj := range objs {
		meta := obj.GetObjectMeta()
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			orNone(meta.Namespace),
			meta.Name,
			obj.GetObjectKind().GroupVersionKind().Kind,
			meta.ResourceVersion,
			formatAge(meta.CreationTimestamp, now),
		)
	}
}

// PrintServicesTable 将服务列表以表格形式打印到指定的 writer。
func PrintServicesTable(out io.Writer, services []ecsmv1.ECSMService, now time.Time) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	defer w.Flush()

	fmt.Fprintln(w, "NAMESPACE\tNAME\tSTRATEGY\tREADY\tIMAGE\tAGE")

	for _, svc := range services {
		fmt.Fprintf(w, "%s\t%s\t%s\t%d/%d\t%s\t%s\n",
			orNone(svc.Namespace),
			svc.Name,
			svc.Spec.DeploymentStrategy.Type,
			svc.Status.ReadyReplicas,
			svc.Status.Replicas,
			svc.Spec.Template.Image,
			formatAge(svc.CreationTimestamp, now),
		)
	}
}

// PrintNodesTable 将节点列表以表格形式打印到指定的 writer。
func PrintNodesTable(out io.Writer, nodes []ecsmv1.ECSMNode, now time.Time) {
	w := tabwriter.NewWriter(out, 0, 0, 3, ' ', 0)
	defer w.Flush()

	fmt.Fprintln(w, "NAME\tSTATUS\tADDRESS\tARCH\tCONTAINERS\tAGE")

	for _, node := range nodes {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%s\n",
			node.Name,
			orNone(node.Status.Phase),
			node.Spec.Address,
			node.Spec.Arch,
			node.Status.ContainersRunning,
			formatAge(node.CreationTimestamp, now),
		)
	}
}

// printMeta 打印所有对象共有的元数据部分
func printMeta(out io.Writer, meta *metav1.ObjectMeta) {
	fmt.Fprintf(out, "Name:             %s\n", meta.Name)
	if meta.Namespace != "" {
		fmt.Fprintf(out, "Namespace:        %s\n", meta.Namespace)
	}
	fmt.Fprintf(out, "UID:              %s\n", meta.UID)
	fmt.Fprintf(out, "ResourceVersion:  %s\n", meta.ResourceVersion)
	fmt.Fprintf(out, "Created:          %s\n", meta.CreationTimestamp.UTC().Format(time.RFC3339))
	fmt.Fprintf(out, "Labels:           %s\n", orNone(formatLabels(meta.Labels)))
}

func formatLabels(labels map[string]string) string {
	pairs := make([]string, 0, len(labels))
	for k, v := range labels {
		pairs = append(pairs, k+"="+v)
	}
	// map 的遍历顺序不固定
	sort.Strings(pairs)
	return strings.Join(pairs, ",")
}

// PrintServiceDetails 打印服务的详细信息。
func PrintServiceDetails(out io.Writer, svc *ecsmv1.ECSMService) {
	printMeta(out, &svc.ObjectMeta)
	fmt.Fprintf(out, "\n")

	// --- 部署信息 ---
	strategy := svc.Spec.DeploymentStrategy
	fmt.Fprintf(out, "Deployment:\n")
	fmt.Fprintf(out, "  Strategy:       %s\n", strategy.Type)
	switch strategy.Type {
	case ecsmv1.DeploymentStrategyTypeDynamic:
		desired := int32(1)
		if strategy.Replicas != nil {
			desired = *strategy.Replicas
		}
		fmt.Fprintf(out, "  Replicas:       %d desired\n", desired)
		fmt.Fprintf(out, "  Node Pool:      %s\n", orNone(strings.Join(strategy.NodePool, ", ")))
	default:
		fmt.Fprintf(out, "  Nodes:          %s\n", orNone(strings.Join(strategy.Nodes, ", ")))
	}

	// --- 容器模板 ---
	tpl := svc.Spec.Template
	fmt.Fprintf(out, "Template:\n")
	fmt.Fprintf(out, "  Image:          %s\n", tpl.Image)
	if len(tpl.Command) > 0 {
		fmt.Fprintf(out, "  Command:        %s\n", strings.Join(tpl.Command, " "))
	}
	if len(tpl.Env) > 0 {
		fmt.Fprintf(out, "  Env:\n")
		for _, env := range tpl.Env {
			fmt.Fprintf(out, "    %s=%s\n", env.Name, env.Value)
		}
	}
	fmt.Fprintf(out, "\n")

	// --- 状态 ---
	fmt.Fprintf(out, "Status:\n")
	fmt.Fprintf(out, "  Replicas:       %d total, %d ready\n", svc.Status.Replicas, svc.Status.ReadyReplicas)
	if len(svc.Status.Conditions) > 0 {
		w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "  TYPE\tSTATUS\tREASON\tMESSAGE")
		for _, c := range svc.Status.Conditions {
			fmt.Fprintf(w, "  %s\t%s\t%s\t%s\n", c.Type, c.Status, c.Reason, c.Message)
		}
		w.Flush()
	}
}

// PrintNodeDetails 打印节点的详细信息。
func PrintNodeDetails(out io.Writer, node *ecsmv1.ECSMNode) {
	printMeta(out, &node.ObjectMeta)
	fmt.Fprintf(out, "\n")
	fmt.Fprintf(out, "Address:          %s\n", node.Spec.Address)
	fmt.Fprintf(out, "Arch:             %s\n", node.Spec.Arch)
	fmt.Fprintf(out, "Status:           %s\n", orNone(node.Status.Phase))
	fmt.Fprintf(out, "Containers:       %d running\n", node.Status.ContainersRunning)
}

// EventPrinter 在 watch 时逐行打印事件。每一行都会立即 flush。
type EventPrinter struct {
	w       *tabwriter.Writer
	started bool
}

func NewEventPrinter(out io.Writer) *EventPrinter {
	return &EventPrinter{w: tabwriter.NewWriter(out, 12, 0, 2, ' ', 0)}
}

// Print 打印一个事件。initial 表示它来自 list 而不是 watch 流。
func (p *EventPrinter) Print(event string, obj metav1.Object, initial bool) {
	if !p.started {
		fmt.Fprintln(p.w, "EVENT\tKIND\tNAMESPACE\tNAME\tRESOURCEVERSION\tSOURCE")
		p.started = true
	}
	source := "watch"
	if initial {
		source = "list"
	}
	meta := obj.GetObjectMeta()
	fmt.Fprintf(p.w, "%s\t%s\t%s\t%s\t%s\t%s\n",
		event,
		obj.GetObjectKind().GroupVersionKind().Kind,
		orNone(meta.Namespace),
		meta.Name,
		meta.ResourceVersion,
		source,
	)
	p.w.Flush()
}
