// file: cmd/ecsm-mirror/main.go

package main

import (
	"flag"

	"k8s.io/klog/v2"

	"github.com/fx147/ecsm-mirror/cmd/ecsm-mirror/cmd"
)

func main() {
	// 1. 初始化一个空的 FlagSet
	fs := flag.NewFlagSet("klog", flag.ContinueOnError)
	klog.InitFlags(fs)

	// 2. 将 klog 的标志添加到 cobra 的根命令上
	//    这样 cobra 就能解析 -v, --logtostderr 等 klog 参数了
	cmd.GetRootCmd().PersistentFlags().AddGoFlagSet(fs)

	// 3. 正常执行 cobra
	cmd.Execute()
	klog.Flush()
}
