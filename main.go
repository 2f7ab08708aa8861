package main

import (
	"bytes"
	"fmt"
	"log"
	"os"
	"os/signal"
	"runtime"
	"runtime/debug"
	"syscall"

	goerrors "github.com/go-errors/errors"
	"github.com/integrii/flaggy"
	"github.com/samber/lo"
	yaml "github.com/jesseduffield/yaml"

	"github.com/lux-project/lux/pkg/config"
	"github.com/lux-project/lux/pkg/kernel"
	"github.com/lux-project/lux/pkg/klog"
	"github.com/lux-project/lux/pkg/memory/pmm"
	"github.com/lux-project/lux/pkg/memory/vmm"
)

const defaultVersion = "unversioned"

var (
	commit  string
	version = defaultVersion
	date    string

	configFlag    = false
	debuggingFlag = false
	bootArgs      = ""
	ramdiskFlag   = ""
	highestPhys   uint64 = 128 * 1024 * 1024
)

func main() {
	updateBuildInfo()

	info := fmt.Sprintf(
		"%s\nDate: %s\nCommit: %s\nOS: %s\nArch: %s",
		version, date, commit, runtime.GOOS, runtime.GOARCH,
	)

	flaggy.SetName("lux")
	flaggy.SetDescription("A small Unix-like microkernel")
	flaggy.DefaultParser.AdditionalHelpPrepend = "https://github.com/lux-project/lux"

	flaggy.Bool(&configFlag, "c", "config", "Print the current default config")
	flaggy.Bool(&debuggingFlag, "d", "debug", "a boolean")
	flaggy.String(&bootArgs, "b", "boot-args", "Boot argument string (space-separated tokens)")
	flaggy.String(&ramdiskFlag, "r", "ramdisk", "Path to the initial ramdisk image")
	flaggy.SetVersion(info)

	flaggy.Parse()

	if configFlag {
		var buf bytes.Buffer
		encoder := yaml.NewEncoder(&buf)
		if err := encoder.Encode(config.GetDefaultConfig()); err != nil {
			log.Fatal(err.Error())
		}
		fmt.Printf("%v\n", buf.String())
		os.Exit(0)
	}

	kernelConfig, err := config.NewKernelConfig("lux", version, commit, date, debuggingFlag, ramdiskFlag, bootArgs)
	if err != nil {
		log.Fatal(err.Error())
	}

	logger := klog.NewLogger(klog.Options{
		ConfigDir: kernelConfig.ConfigDir,
		Debug:     kernelConfig.Debug,
		Version:   version,
	})

	boot := kernel.BootParams{
		HighestPhysicalAddress: highestPhys,
		KernelReservedBytes:    16 * 1024 * 1024,
		MemoryMap: []pmm.MemoryMapEntry{
			{Base: 0, Length: highestPhys, Type: pmm.MemoryUsable, AttributesValid: true},
		},
		VMM: vmm.Config{
			KernelHeapBase: 0xFFFF800000000000, KernelHeapLimit: 0xFFFF800040000000,
			UserHeapBase: 0x0000000001000000, UserHeapLimit: 0x0000000040000000,
			MMIOBase: 0xFFFF900000000000, MMIOLimit: 0xFFFF900010000000,
		},
		SyscallWorkers: 8,
	}

	k, err := kernel.New(kernelConfig, logger, boot)
	if err == nil {
		err = run(k)
	}
	k.Close()

	if err != nil {
		newErr := goerrors.Wrap(err, 0)
		stackTrace := newErr.ErrorStack()
		logger.Error(stackTrace)
		log.Fatalf("lux: fatal boot error\n\n%s", stackTrace)
	}
}

// run boots the kernel (accepting lumen's bridge connection) and blocks
// until a termination signal arrives, mirroring lazydocker's
// waitForTerminalSpace+RunWithSubprocesses shape: prepare, then run until
// interrupted.
func run(k *kernel.Kernel) error {
	bootErr := make(chan error, 1)
	go func() { bootErr <- k.Boot() }()

	stop := make(chan struct{})
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sig
		close(stop)
	}()

	select {
	case err := <-bootErr:
		if err != nil {
			return err
		}
	case <-stop:
		return nil
	}

	return k.Run(stop)
}

func updateBuildInfo() {
	if version == defaultVersion {
		if buildInfo, ok := debug.ReadBuildInfo(); ok {
			revision, ok := lo.Find(buildInfo.Settings, func(setting debug.BuildSetting) bool {
				return setting.Key == "vcs.revision"
			})
			if ok {
				commit = revision.Value
				version = safeTruncate(revision.Value, 7)
			}

			buildTime, ok := lo.Find(buildInfo.Settings, func(setting debug.BuildSetting) bool {
				return setting.Key == "vcs.time"
			})
			if ok {
				date = buildTime.Value
			}
		}
	}
}

// safeTruncate is lifted from lazydocker's pkg/utils.SafeTruncate: the
// only caller left once the GUI string helpers went away.
func safeTruncate(str string, limit int) string {
	if len(str) > limit {
		return str[:limit]
	}
	return str
}
