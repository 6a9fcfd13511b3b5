package main

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"cubit/internal/device"
	"cubit/internal/kcache"
	"cubit/internal/kernel"
	"cubit/internal/nvcc"
)

var precompileCmd = &cobra.Command{
	Use:   "precompile [flags] [dir]",
	Short: "Warm the compilation cache for a directory of kernel fragments",
	Long:  "Compile every *.cu fragment under a directory and persist the binaries, so later runs hit the cache instead of the device compiler.",
	Args:  cobra.MaximumNArgs(1),
	RunE:  precompileExecution,
}

func init() {
	precompileCmd.Flags().String("arch", "", "target compute capability, e.g. 3.5 or sm_35")
	precompileCmd.Flags().Bool("debug", false, "compile device code with debug info instead of optimizations")
	precompileCmd.Flags().Bool("keep-tmp", false, "retain per-compile build directories")
	precompileCmd.Flags().Int("jobs", runtime.NumCPU(), "maximum concurrent compiler invocations")
	precompileCmd.Flags().String("ui", "auto", "progress display (auto|plain|fancy)")
}

func precompileExecution(cmd *cobra.Command, args []string) error {
	archValue, err := cmd.Flags().GetString("arch")
	if err != nil {
		return err
	}
	debug, err := cmd.Flags().GetBool("debug")
	if err != nil {
		return err
	}
	keepTmp, err := cmd.Flags().GetBool("keep-tmp")
	if err != nil {
		return err
	}
	jobs, err := cmd.Flags().GetInt("jobs")
	if err != nil {
		return err
	}
	uiValue, err := cmd.Flags().GetString("ui")
	if err != nil {
		return err
	}
	quiet, err := cmd.Flags().GetBool("quiet")
	if err != nil {
		return err
	}

	dir := "."
	if len(args) > 0 {
		dir = args[0]
	}

	manifest, manifestFound, err := loadProjectManifest(dir)
	if err != nil {
		return err
	}

	if archValue == "" && manifestFound {
		archValue = manifest.Config.Device.Arch
	}
	if archValue == "" {
		return fmt.Errorf("no target capability: pass --arch or set device.arch in cubit.toml")
	}
	cap, err := device.ParseCapability(archValue)
	if err != nil {
		return err
	}

	compiler := &nvcc.External{KeepTemp: keepTmp}
	if manifestFound {
		compiler.Path = manifest.Config.Compiler.Path
		compiler.SuppressWarnings = manifest.Config.Compiler.SuppressWarnings
		if manifest.Config.Compiler.KeepTemp {
			compiler.KeepTemp = true
		}
	}
	if err := compiler.Available(); err != nil {
		return err
	}

	disk, err := openStore(manifest, manifestFound)
	if err != nil {
		return err
	}
	cache := kcache.New(compiler, kcache.WithDisk(disk))
	if _, err := cache.Seed(cap); err != nil {
		return fmt.Errorf("failed to read persistent cache: %w", err)
	}

	files, err := listKernelFiles(dir)
	if err != nil {
		return err
	}
	if len(files) == 0 {
		return fmt.Errorf("no *.cu fragments under %q", dir)
	}

	names := make([]string, len(files))
	for i, f := range files {
		names[i] = entryNameFor(f)
	}

	if jobs < 1 {
		jobs = 1
	}

	title := fmt.Sprintf("precompile %s (%s)", dir, cap.ArchName())
	useUI := uiValue == "fancy" || (uiValue == "auto" && isTerminal(os.Stdout))
	start := time.Now()

	var failures, hits int
	if useUI {
		failures, hits, err = precompileWithUI(cmd.Context(), title, names, files, cache, cap, debug, jobs)
	} else {
		failures, hits, err = precompileBatch(cmd.Context(), files, cache, cap, debug, jobs, newPlainSink(quiet))
	}
	if err != nil {
		return err
	}
	if failures > 0 {
		return fmt.Errorf("%d of %d kernels failed to compile", failures, len(files))
	}
	if !quiet {
		okColor := color.New(color.FgGreen)
		okColor.Fprintf(os.Stdout, "compiled %d kernels (%d from cache) in %s\n",
			len(files), hits, time.Since(start).Round(time.Millisecond))
	}
	return nil
}

func openStore(manifest *projectManifest, found bool) (*kcache.Disk, error) {
	if found && manifest.Config.Cache.Dir != "" {
		dir := manifest.Config.Cache.Dir
		if !filepath.IsAbs(dir) {
			dir = filepath.Join(manifest.Root, dir)
		}
		return kcache.OpenDisk(dir)
	}
	return kcache.OpenDefaultDisk()
}

// listKernelFiles returns the sorted *.cu files under dir.
func listKernelFiles(dir string) ([]string, error) {
	var files []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() && strings.HasSuffix(path, ".cu") {
			files = append(files, path)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(files)
	return files, nil
}

func entryNameFor(path string) string {
	return strings.TrimSuffix(filepath.Base(path), ".cu")
}

// precompileBatch compiles the fragments with bounded parallelism. Compile
// failures are reported per kernel and counted, not fatal to the batch; hits
// count fragments whose key was already cached when this batch reached them.
func precompileBatch(ctx context.Context, files []string, cache *kcache.Cache, cap device.Capability, debug bool, jobs int, sink kernel.ProgressSink) (int, int, error) {
	var g errgroup.Group
	g.SetLimit(jobs)

	failed := make([]bool, len(files))
	hit := make([]bool, len(files))
	for i, file := range files {
		i, file := i, file
		g.Go(func() error {
			name := entryNameFor(file)
			source, err := os.ReadFile(file)
			if err != nil {
				return fmt.Errorf("failed to read %q: %w", file, err)
			}
			emitEvent(sink, name, kernel.StatusWorking, nil)
			if _, ok := cache.Lookup(kcache.KeyFor(cap, string(source))); ok {
				hit[i] = true
			}
			entry := cache.ObtainOrCompile(nvcc.Request{
				Source: string(source),
				Entry:  name,
				Cap:    cap,
				Debug:  debug,
			})
			if _, err := entry.Binary(ctx); err != nil {
				failed[i] = true
				emitEvent(sink, name, kernel.StatusError, err)
				return nil
			}
			emitEvent(sink, name, kernel.StatusDone, nil)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return 0, 0, err
	}
	failures, hits := 0, 0
	for i := range files {
		if failed[i] {
			failures++
		}
		if hit[i] {
			hits++
		}
	}
	return failures, hits, nil
}

func emitEvent(sink kernel.ProgressSink, name string, status kernel.Status, err error) {
	if sink == nil {
		return
	}
	sink.OnEvent(kernel.Event{Name: name, Stage: kernel.StageCompile, Status: status, Err: err})
}

type plainSink struct {
	quiet bool
}

func newPlainSink(quiet bool) kernel.ProgressSink {
	return plainSink{quiet: quiet}
}

func (s plainSink) OnEvent(ev kernel.Event) {
	if ev.Name == "" {
		return
	}
	switch ev.Status {
	case kernel.StatusError:
		fmt.Fprintf(os.Stderr, "error %s: %v\n", ev.Name, ev.Err)
	case kernel.StatusDone:
		if !s.quiet {
			fmt.Fprintf(os.Stdout, "ok    %s\n", ev.Name)
		}
	}
}
