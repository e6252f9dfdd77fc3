package main

import (
	"flag"
	"fmt"
	"os"
	"runtime/debug"
	"strings"

	"github.com/sirupsen/logrus"

	rdmacore "github.com/boom6/rdma-core"
	"github.com/boom6/rdma-core/config"
	"github.com/boom6/rdma-core/util"
)

// A version string that can be set with
//
//	-ldflags "-X main.Build=SOMEVERSION"
//
// at compile-time.
var Build string

func init() {
	if Build == "" {
		info, ok := debug.ReadBuildInfo()
		if !ok {
			return
		}

		Build = strings.TrimPrefix(info.Main.Version, "v")
	}
}

func main() {
	configPath := flag.String("config", "", "Path to either a file or directory to load configuration from")
	configTest := flag.Bool("test", false, "Test the config and print the end result. Non zero exit indicates a faulty config")
	printVersion := flag.Bool("version", false, "Print version")
	printUsage := flag.Bool("help", false, "Print command line usage")

	flag.Parse()

	if *printVersion {
		fmt.Printf("Version: %s\n", Build)
		os.Exit(0)
	}

	if *printUsage {
		flag.Usage()
		os.Exit(0)
	}

	l := logrus.New()
	l.Out = os.Stdout

	c := config.NewC(l)
	if *configPath != "" {
		err := c.Load(*configPath)
		if err != nil {
			fmt.Printf("failed to load config: %s", err)
			os.Exit(1)
		}
	}

	err := rdmacore.Main(c, *configTest, Build, l)
	if err != nil {
		util.LogWithContextIfNeeded("Self test failed", err, l)
		os.Exit(1)
	}

	os.Exit(0)
}
