package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/pflag"

	"github.com/Kieran-Bacon/stow"
)

func catCommand() *command {
	flags := pflag.NewFlagSet("cat", pflag.ContinueOnError)
	return &command{
		name:    "cat",
		summary: "Print file content to stdout",
		usage:   "stow cat <target>",
		flags:   flags,
		run: func(ctx context.Context, args []string) error {
			if len(args) != 1 {
				return fmt.Errorf("usage: stow cat <target>")
			}
			manager, path, err := resolveTarget(ctx, args[0])
			if err != nil {
				return err
			}
			content, err := manager.GetBytes(ctx, stow.Path(path))
			if err != nil {
				return err
			}
			_, err = os.Stdout.Write(content)
			return err
		},
	}
}

func getCommand() *command {
	flags := pflag.NewFlagSet("get", pflag.ContinueOnError)
	return &command{
		name:    "get",
		summary: "Download an artefact to a local path",
		usage:   "stow get <target> <local-destination>",
		flags:   flags,
		run: func(ctx context.Context, args []string) error {
			if len(args) != 2 {
				return fmt.Errorf("usage: stow get <target> <local-destination>")
			}
			manager, path, err := resolveTarget(ctx, args[0])
			if err != nil {
				return err
			}
			return manager.Get(ctx, stow.Path(path), args[1])
		},
	}
}

func putCommand() *command {
	flags := pflag.NewFlagSet("put", pflag.ContinueOnError)
	overwrite := flags.Bool("overwrite", false, "replace an existing destination")
	merge := flags.Bool("merge", false, "merge a directory into an existing directory")
	return &command{
		name:    "put",
		summary: "Upload a local file or directory",
		usage:   "stow put [--overwrite] [--merge] <local-source> <target>",
		flags:   flags,
		run: func(ctx context.Context, args []string) error {
			if len(args) != 2 {
				return fmt.Errorf("usage: stow put <local-source> <target>")
			}
			manager, path, err := resolveTarget(ctx, args[1])
			if err != nil {
				return err
			}
			_, err = manager.Put(ctx, stow.Local(args[0]), stow.Path(path), putOptions(*overwrite, *merge)...)
			return err
		},
	}
}

func putOptions(overwrite, merge bool) []stow.PutOption {
	var opts []stow.PutOption
	if overwrite {
		opts = append(opts, stow.PutWithOverwrite())
	}
	if merge {
		opts = append(opts, stow.PutWithMerge())
	}
	return opts
}

// transfer copies or moves between two resolved targets, crossing manager
// boundaries through a localised rendition of the source.
func transfer(ctx context.Context, src, dst string, opts []stow.PutOption, deleteSource bool) error {
	srcManager, srcPath, err := resolveTarget(ctx, src)
	if err != nil {
		return err
	}
	dstManager, dstPath, err := resolveTarget(ctx, dst)
	if err != nil {
		return err
	}

	if srcManager == dstManager {
		if deleteSource {
			_, err = srcManager.Mv(ctx, stow.Path(srcPath), stow.Path(dstPath), opts...)
		} else {
			_, err = srcManager.Cp(ctx, stow.Path(srcPath), stow.Path(dstPath), opts...)
		}
		return err
	}

	exists, err := srcManager.Exists(ctx, stow.Path(srcPath))
	if err != nil {
		return err
	}
	if !exists {
		return fmt.Errorf("source %s does not exist", src)
	}

	handle, err := srcManager.Localise(ctx, stow.Path(srcPath))
	if err != nil {
		return err
	}
	defer handle.Discard()

	if _, err := dstManager.Put(ctx, stow.Local(handle.Path()), stow.Path(dstPath), opts...); err != nil {
		return err
	}
	if deleteSource {
		return srcManager.Rm(ctx, stow.Path(srcPath), stow.RmRecursive())
	}
	return nil
}

func cpCommand() *command {
	flags := pflag.NewFlagSet("cp", pflag.ContinueOnError)
	overwrite := flags.Bool("overwrite", false, "replace an existing destination")
	merge := flags.Bool("merge", false, "merge a directory into an existing directory")
	return &command{
		name:    "cp",
		summary: "Copy an artefact, within or across stores",
		usage:   "stow cp [--overwrite] [--merge] <source> <destination>",
		flags:   flags,
		run: func(ctx context.Context, args []string) error {
			if len(args) != 2 {
				return fmt.Errorf("usage: stow cp <source> <destination>")
			}
			return transfer(ctx, args[0], args[1], putOptions(*overwrite, *merge), false)
		},
	}
}

func mvCommand() *command {
	flags := pflag.NewFlagSet("mv", pflag.ContinueOnError)
	overwrite := flags.Bool("overwrite", false, "replace an existing destination")
	merge := flags.Bool("merge", false, "merge a directory into an existing directory")
	return &command{
		name:    "mv",
		summary: "Move an artefact, within or across stores",
		usage:   "stow mv [--overwrite] [--merge] <source> <destination>",
		flags:   flags,
		run: func(ctx context.Context, args []string) error {
			if len(args) != 2 {
				return fmt.Errorf("usage: stow mv <source> <destination>")
			}
			return transfer(ctx, args[0], args[1], putOptions(*overwrite, *merge), true)
		},
	}
}

func lsCommand() *command {
	flags := pflag.NewFlagSet("ls", pflag.ContinueOnError)
	recursive := flags.BoolP("recursive", "r", false, "descend into subdirectories")
	count := flags.Bool("count", false, "print only the number of entries")
	return &command{
		name:    "ls",
		summary: "List a directory",
		usage:   "stow ls [-r] [--count] <target>",
		flags:   flags,
		run: func(ctx context.Context, args []string) error {
			if len(args) != 1 {
				return fmt.Errorf("usage: stow ls <target>")
			}
			manager, path, err := resolveTarget(ctx, args[0])
			if err != nil {
				return err
			}
			var lsOpts []stow.LsOption
			if *recursive {
				lsOpts = append(lsOpts, stow.LsRecursive())
			}
			artefacts, err := manager.Ls(ctx, stow.Path(path), lsOpts...)
			if err != nil {
				return err
			}
			if *count {
				fmt.Println(len(artefacts))
				return nil
			}

			w := tabwriter.NewWriter(os.Stdout, 2, 4, 2, ' ', 0)
			for _, art := range artefacts {
				switch a := art.(type) {
				case *stow.File:
					size, err := a.Size()
					if err != nil {
						return err
					}
					fmt.Fprintf(w, "f\t%d\t%s\n", size, a.Path())
				case *stow.Directory:
					fmt.Fprintf(w, "d\t\t%s/\n", a.Path())
				}
			}
			return w.Flush()
		},
	}
}

func rmCommand() *command {
	flags := pflag.NewFlagSet("rm", pflag.ContinueOnError)
	recursive := flags.BoolP("recursive", "r", false, "remove directories and their contents")
	return &command{
		name:    "rm",
		summary: "Remove an artefact",
		usage:   "stow rm [-r] <target>",
		flags:   flags,
		run: func(ctx context.Context, args []string) error {
			if len(args) != 1 {
				return fmt.Errorf("usage: stow rm <target>")
			}
			manager, path, err := resolveTarget(ctx, args[0])
			if err != nil {
				return err
			}
			var rmOpts []stow.RmOption
			if *recursive {
				rmOpts = append(rmOpts, stow.RmRecursive())
			}
			return manager.Rm(ctx, stow.Path(path), rmOpts...)
		},
	}
}

func mkdirCommand() *command {
	flags := pflag.NewFlagSet("mkdir", pflag.ContinueOnError)
	parents := flags.BoolP("parents", "p", false, "no error if the directory already exists")
	return &command{
		name:    "mkdir",
		summary: "Create a directory",
		usage:   "stow mkdir [-p] <target>",
		flags:   flags,
		run: func(ctx context.Context, args []string) error {
			if len(args) != 1 {
				return fmt.Errorf("usage: stow mkdir <target>")
			}
			manager, path, err := resolveTarget(ctx, args[0])
			if err != nil {
				return err
			}
			var mkOpts []stow.MkdirOption
			if *parents {
				mkOpts = append(mkOpts, stow.MkdirIgnoreExists())
			}
			_, err = manager.Mkdir(ctx, stow.Path(path), mkOpts...)
			return err
		},
	}
}

func touchCommand() *command {
	flags := pflag.NewFlagSet("touch", pflag.ContinueOnError)
	return &command{
		name:    "touch",
		summary: "Create an empty file",
		usage:   "stow touch <target>",
		flags:   flags,
		run: func(ctx context.Context, args []string) error {
			if len(args) != 1 {
				return fmt.Errorf("usage: stow touch <target>")
			}
			manager, path, err := resolveTarget(ctx, args[0])
			if err != nil {
				return err
			}
			_, err = manager.Touch(ctx, stow.Path(path))
			return err
		},
	}
}

func syncCommand() *command {
	flags := pflag.NewFlagSet("sync", pflag.ContinueOnError)
	del := flags.Bool("delete", false, "remove destination entries absent from the source")
	digest := flags.Bool("digest", false, "compare content digests instead of modification times")
	return &command{
		name:    "sync",
		summary: "Synchronise a directory into a destination",
		usage:   "stow sync [--delete] [--digest] <source> <destination>",
		flags:   flags,
		run: func(ctx context.Context, args []string) error {
			if len(args) != 2 {
				return fmt.Errorf("usage: stow sync <source> <destination>")
			}
			srcManager, srcPath, err := resolveTarget(ctx, args[0])
			if err != nil {
				return err
			}
			dstManager, dstPath, err := resolveTarget(ctx, args[1])
			if err != nil {
				return err
			}

			var syncOpts []stow.SyncOption
			if *del {
				syncOpts = append(syncOpts, stow.SyncWithDelete())
			}
			if *digest {
				syncOpts = append(syncOpts, stow.SyncWithStrategy(stow.StrategyDigest))
			}

			var source stow.Source
			switch {
			case srcManager == dstManager:
				source = stow.Path(srcPath)
			case srcManager.Backend().Capabilities().Has(stow.CapLocal):
				source = stow.Local(srcManager.Backend().Abspath(srcPath))
			default:
				handle, err := srcManager.Localise(ctx, stow.Path(srcPath))
				if err != nil {
					return err
				}
				defer handle.Discard()
				source = stow.Local(handle.Path())
			}
			return dstManager.Sync(ctx, source, stow.Path(dstPath), syncOpts...)
		},
	}
}
