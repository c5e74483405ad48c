// file: cmd/ecsm-mirror/cmd/root.go

package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"k8s.io/klog/v2"
)

var (
	// cfgFile 用于存储配置文件的路径
	cfgFile string

	// rootCmd 代表没有调用子命令时的基础命令
	rootCmd = &cobra.Command{
		Use:   "ecsm-mirror",
		Short: "Mirror ECSM control-plane objects with list/watch",
		Long: `ecsm-mirror keeps a local, continuously updated copy of the objects
held by an ECSM control plane.

"serve" runs a small control plane backed by bbolt. The other commands talk
to it over HTTP: "watch" runs a reflector and prints every change it
mirrors, while get, describe, put and delete are one-shot operations.`,
		SilenceUsage: true,
		// 如果用户只输入 ecsm-mirror 而没有子命令，就打印帮助信息
		Run: func(cmd *cobra.Command, args []string) {
			cmd.Help()
		},
	}
)

// Execute 将所有子命令添加到根命令中，并设置标志。
// 这是 main.go 将调用的主函数。
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		klog.Flush()
		os.Exit(1)
	}
}

func init() {
	// 在所有命令执行前运行的初始化函数
	cobra.OnInitialize(initConfig)

	// --- 定义全局持久标志 ---
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.ecsm-mirror.yaml)")

	rootCmd.PersistentFlags().String("server", "http://localhost:8080", "The address of the ecsm-mirror API server")
	rootCmd.PersistentFlags().String("token", "", "Bearer token for API requests (serve: token required from clients)")
	rootCmd.PersistentFlags().StringP("namespace", "n", "", "Namespace scope of the request; empty means all namespaces")
	rootCmd.PersistentFlags().Duration("request-timeout", 30*time.Second, "Timeout of a single non-watch request")

	// --- 将标志与 Viper 绑定 ---
	// 这使得我们可以通过配置文件或环境变量来设置这些值
	for _, name := range []string{"server", "token", "namespace", "request-timeout"} {
		viper.BindPFlag(name, rootCmd.PersistentFlags().Lookup(name))
	}

	// --- 添加子命令 ---
	rootCmd.AddCommand(newServeCmd())
	rootCmd.AddCommand(newWatchCmd())
	rootCmd.AddCommand(newGetCmd())
	rootCmd.AddCommand(newDescribeCmd())
	rootCmd.AddCommand(newPutCmd())
	rootCmd.AddCommand(newDeleteCmd())
}

// initConfig 读取配置文件和环境变量（如果设置了的话）。
func initConfig() {
	if cfgFile != "" {
		// 使用 --config 标志指定的配置文件
		viper.SetConfigFile(cfgFile)
	} else {
		// 查找家目录
		home, err := os.UserHomeDir()
		cobra.CheckErr(err)

		// 1. 先在当前工作目录查找
		viper.AddConfigPath(".")
		// 2. 再在家目录查找
		viper.AddConfigPath(home)

		viper.SetConfigName(".ecsm-mirror")
		viper.SetConfigType("yaml")
	}

	// 设置环境变量前缀，例如 ECSMMIRROR_SERVER、ECSMMIRROR_BACKOFF_BASE
	viper.SetEnvPrefix("ECSMMIRROR")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	viper.AutomaticEnv() // 读取匹配的环境变量

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			klog.Warningf("Error reading config file: %v", err)
		}
	} else {
		klog.V(2).Infof("Using config file %s", viper.ConfigFileUsed())
	}
}

// GetRootCmd 导出 rootCmd 以便 main.go 可以添加 klog 标志
func GetRootCmd() *cobra.Command {
	return rootCmd
}

// signalContext 返回一个在收到 SIGINT/SIGTERM 时取消的 context
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}
