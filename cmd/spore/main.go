package main

// spore 節點代理入口點：向 nexus 註冊、回報心跳並執行技能

import (
	"fmt"
	"os"

	"github.com/mpieniak01/venom/internal/cli"
)

var version = "dev"

func main() {
	defer func() {
		if r := recover(); r != nil {
			fmt.Fprintf(os.Stderr, "fatal: %v\n", r)
			os.Exit(1)
		}
	}()

	rootCmd := cli.BuildSporeCLI()
	rootCmd.Version = version

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
