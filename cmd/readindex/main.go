// Command readindex dumps a host's manifest or journal file, or the path
// index rebuilt in memory from both, in a human-readable form, for
// inspecting a manifest set
// without round-tripping it through the full engine.
package main

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"woodstock/internal/manifest"
	"woodstock/internal/pathindex"
)

var version = "dev"

func main() {
	rootCmd := &cobra.Command{
		Use:   "readindex",
		Short: "Dump a manifest or journal file, or a rebuilt path index",
	}

	rootCmd.AddCommand(
		manifestCmd(),
		journalCmd(),
		indexCmd(),
		&cobra.Command{
			Use:   "version",
			Short: "Print version information",
			Run:   func(cmd *cobra.Command, args []string) { fmt.Println(version) },
		},
	)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func manifestCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "manifest <path>",
		Short: "Print every file manifest record in a .manifest file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer f.Close()
			if _, err := manifest.ReadHeader(f, manifest.TypeManifest, manifest.ManifestVersion); err != nil {
				return err
			}
			for {
				var fm manifest.FileManifest
				if err := manifest.ReadRecord(f, &fm); err != nil {
					if err == io.EOF {
						return nil
					}
					return err
				}
				printManifest(fm)
			}
		},
	}
}

func journalCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "journal <path>",
		Short: "Print every journal entry in a .journal file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer f.Close()
			if _, err := manifest.ReadHeader(f, manifest.TypeJournal, manifest.JournalVersion); err != nil {
				return err
			}
			for {
				var entry manifest.JournalEntry
				if err := manifest.ReadRecord(f, &entry); err != nil {
					if err == io.EOF {
						return nil
					}
					return err
				}
				switch entry.Op {
				case manifest.OpRemove:
					fmt.Printf("%-7s %s\n", entry.Op, entry.Path)
				case manifest.OpClose:
					fmt.Println(entry.Op)
				default:
					fmt.Printf("%-7s ", entry.Op)
					if entry.Manifest != nil {
						printManifest(*entry.Manifest)
					} else {
						fmt.Println("<missing manifest>")
					}
				}
			}
		},
	}
}

func indexCmd() *cobra.Command {
	var name string
	cmd := &cobra.Command{
		Use:   "index <dir>",
		Short: "Print every live entry of a host's .manifest+.journal, reconstructed as its path index",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if name == "" {
				return fmt.Errorf("--name is required")
			}
			idx := pathindex.New()
			if err := loadInto(idx, manifest.Set{Dir: args[0], Name: name}); err != nil {
				return err
			}
			return idx.Walk(func(entry pathindex.Entry) error {
				deleted := ""
				if entry.Deleted {
					deleted = " (deleted)"
				}
				fmt.Printf("%s  size=%d  modified=%d%s\n", entry.Path, entry.Size, entry.LastModified, deleted)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "manifest set name")
	return cmd
}

func loadInto(idx *pathindex.Index, set manifest.Set) error {
	if err := loadManifestFile(idx, set.ManifestPath()); err != nil && !os.IsNotExist(err) {
		return err
	}
	return loadJournalFile(idx, set.JournalPath())
}

func loadManifestFile(idx *pathindex.Index, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	if _, err := manifest.ReadHeader(f, manifest.TypeManifest, manifest.ManifestVersion); err != nil {
		return err
	}
	for {
		var fm manifest.FileManifest
		if err := manifest.ReadRecord(f, &fm); err != nil {
			if err == io.EOF {
				return nil
			}
			return err
		}
		idx.Insert(pathindex.Entry{Path: fm.Path, Size: fm.Size, LastModified: fm.LastModified})
	}
}

func loadJournalFile(idx *pathindex.Index, path string) error {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	defer f.Close()
	if _, err := manifest.ReadHeader(f, manifest.TypeJournal, manifest.JournalVersion); err != nil {
		return err
	}
	for {
		var entry manifest.JournalEntry
		if err := manifest.ReadRecord(f, &entry); err != nil {
			if err == io.EOF {
				return nil
			}
			return err
		}
		switch entry.Op {
		case manifest.OpRemove:
			idx.Remove(entry.Path)
		case manifest.OpAdd, manifest.OpModify:
			if entry.Manifest != nil {
				idx.Insert(pathindex.Entry{Path: entry.Manifest.Path, Size: entry.Manifest.Size, LastModified: entry.Manifest.LastModified})
			}
		}
	}
}

func printManifest(fm manifest.FileManifest) {
	kind := "file"
	if fm.IsDir {
		kind = "dir"
	} else if fm.IsSymlink {
		kind = "symlink"
	}
	fmt.Printf("%-7s %-40s size=%d mtime=%d chunks=%d\n", kind, fm.Path, fm.Size, fm.LastModified, len(fm.Chunks))
}
