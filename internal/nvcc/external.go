package nvcc

import (
	"context"
	"embed"
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"
)

//go:embed headers/*.h
var headerFS embed.FS

// External invokes the standalone device compiler as a subprocess. The flag
// set is fixed per request: architecture from the target capability, an
// optimization/debug toggle, a warnings toggle, and a pinned language
// standard.
type External struct {
	// Path of the compiler binary; "nvcc" resolved from PATH when empty.
	Path string
	// KeepTemp retains the per-compile build directory for external
	// debugging tools instead of removing it on completion.
	KeepTemp bool
	// SuppressWarnings passes the compiler's warning-silencing flag.
	SuppressWarnings bool
	// TempRoot overrides the parent of per-compile build directories.
	TempRoot string

	Log *zap.Logger
}

// Available reports whether the external compiler can be found.
func (e *External) Available() error {
	if _, err := exec.LookPath(e.binary()); err != nil {
		return fmt.Errorf("device compiler %q not found in PATH", e.binary())
	}
	return nil
}

func (e *External) binary() string {
	if e.Path != "" {
		return e.Path
	}
	return "nvcc"
}

// Flags builds the fixed flag set for a request, excluding input/output paths.
func (e *External) Flags(req Request) []string {
	flags := []string{
		"--cubin",
		"-arch=" + req.Cap.ArchName(),
		"-std=c++11",
	}
	if req.Debug {
		flags = append(flags, "-G", "-lineinfo")
	} else {
		flags = append(flags, "-O3")
	}
	if e.SuppressWarnings {
		flags = append(flags, "-w")
	}
	return flags
}

// Compile writes the generated source and the bundled auxiliary headers into
// a fresh build directory, runs the compiler, and returns the binary image.
// A compiler rejection is returned as *CompileError with the full diagnostic
// log attached; it never panics the calling process.
func (e *External) Compile(ctx context.Context, req Request) ([]byte, error) {
	dir, err := os.MkdirTemp(e.TempRoot, "cubit-build-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create build dir: %w", err)
	}
	if !e.KeepTemp {
		defer func() {
			if rmErr := os.RemoveAll(dir); rmErr != nil && e.Log != nil {
				e.Log.Warn("failed to clean build dir", zap.String("dir", dir), zap.Error(rmErr))
			}
		}()
	}

	if err := extractHeaders(dir); err != nil {
		return nil, err
	}
	srcPath := filepath.Join(dir, "kernel.cu")
	outPath := filepath.Join(dir, "kernel.cubin")
	if err := os.WriteFile(srcPath, []byte(req.Source), 0o600); err != nil {
		return nil, fmt.Errorf("failed to write kernel source: %w", err)
	}

	args := e.Flags(req)
	args = append(args, "-I", dir, "-o", outPath, srcPath)

	start := time.Now()
	cmd := exec.CommandContext(ctx, e.binary(), args...)
	var diagnostics strings.Builder
	cmd.Stdout = &diagnostics
	cmd.Stderr = &diagnostics
	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(diagnostics.String())
		if msg == "" {
			msg = err.Error()
		}
		return nil, &CompileError{
			Entry:  req.Entry,
			Cap:    req.Cap,
			Log:    msg,
			Source: req.Source,
		}
	}

	bin, err := os.ReadFile(outPath)
	if err != nil {
		return nil, fmt.Errorf("compiler produced no output: %w", err)
	}
	if e.Log != nil {
		e.Log.Debug("external compile",
			zap.String("entry", req.Entry),
			zap.String("arch", req.Cap.ArchName()),
			zap.Duration("elapsed", time.Since(start)),
			zap.Bool("keep_temp", e.KeepTemp))
	}
	return bin, nil
}

func extractHeaders(dir string) error {
	return fs.WalkDir(headerFS, "headers", func(entryPath string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		data, readErr := fs.ReadFile(headerFS, entryPath)
		if readErr != nil {
			return fmt.Errorf("embedded header %s unreadable (build bug): %w", entryPath, readErr)
		}
		dst := filepath.Join(dir, filepath.Base(entryPath))
		if writeErr := os.WriteFile(dst, data, 0o600); writeErr != nil {
			return fmt.Errorf("failed to extract header %s: %w", entryPath, writeErr)
		}
		return nil
	})
}
