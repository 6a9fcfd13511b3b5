package main

import (
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"cubit/internal/kcache"
)

var cacheCmd = &cobra.Command{
	Use:   "cache",
	Short: "Inspect or clear the persistent compilation cache",
}

var cacheLsCmd = &cobra.Command{
	Use:   "ls",
	Short: "List persisted kernel binaries",
	Args:  cobra.NoArgs,
	RunE:  cacheLsExecution,
}

var cacheClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Drop every persisted kernel binary",
	Args:  cobra.NoArgs,
	RunE:  cacheClearExecution,
}

func init() {
	cacheCmd.AddCommand(cacheLsCmd)
	cacheCmd.AddCommand(cacheClearCmd)
}

func openStoreFromCwd() (*kcache.Disk, error) {
	manifest, found, err := loadProjectManifest(".")
	if err != nil {
		return nil, err
	}
	return openStore(manifest, found)
}

func cacheLsExecution(cmd *cobra.Command, args []string) error {
	disk, err := openStoreFromCwd()
	if err != nil {
		return err
	}
	records, err := disk.Load()
	if err != nil {
		return err
	}
	if len(records) == 0 {
		fmt.Fprintf(os.Stdout, "cache empty (%s)\n", disk.Dir())
		return nil
	}
	archColor := color.New(color.FgCyan)
	for _, rec := range records {
		size := "?"
		if bin, err := disk.ReadBlob(rec); err == nil {
			size = fmt.Sprintf("%d", len(bin))
		}
		fmt.Fprintf(os.Stdout, "%s  %s  %s bytes\n",
			archColor.Sprint(rec.Key.Cap.ArchName()), rec.BlobFile, size)
	}
	fmt.Fprintf(os.Stdout, "%d entries in %s\n", len(records), disk.Dir())
	return nil
}

func cacheClearExecution(cmd *cobra.Command, args []string) error {
	disk, err := openStoreFromCwd()
	if err != nil {
		return err
	}
	if err := disk.DropAll(); err != nil {
		return err
	}
	fmt.Fprintf(os.Stdout, "cleared %s\n", disk.Dir())
	return nil
}
