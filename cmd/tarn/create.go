package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/seantiz/tarn/internal/commands"
	"github.com/seantiz/tarn/internal/depspec"
	"github.com/seantiz/tarn/internal/manager"
)

func newCreateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "create <environment>",
		Short: "Create an environment with the given dependencies",
		Example: `  tarn create cellpose --conda cellpose==3.1.0
  tarn create numpy -f deps.yaml --reference ""`,
		Args: cobra.ExactArgs(1),
		RunE: runCreate,
	}
	addDependencyFlags(cmd)
	cmd.Flags().StringArray("install-hook", nil, "Extra script line run after installing (repeatable)")
	cmd.Flags().Bool("error-if-exists", false, "Fail if the environment already exists")
	cmd.Flags().String("reference", "", `Skip creation when this environment ("" for tarn itself) already satisfies the dependencies`)
	return cmd
}

func newInstallCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "install <environment>",
		Short: "Install dependencies into an existing environment",
		Args:  cobra.ExactArgs(1),
		RunE:  runInstall,
	}
	addDependencyFlags(cmd)
	cmd.Flags().StringArray("install-hook", nil, "Extra script line run after installing (repeatable)")
	return cmd
}

func addDependencyFlags(cmd *cobra.Command) {
	cmd.Flags().StringP("file", "f", "", "Dependency file (YAML or JSON)")
	cmd.Flags().StringArray("conda", nil, "Conda requirement, e.g. conda-forge::numpy==2.2.4 (repeatable)")
	cmd.Flags().StringArray("pip", nil, "Pip requirement (repeatable)")
	cmd.Flags().String("python", "", "Python version of the environment")
}

// parseDependencies merges the dependency file with requirements given as
// flags.
func parseDependencies(cmd *cobra.Command) (depspec.Dependencies, error) {
	var deps depspec.Dependencies

	file, err := cmd.Flags().GetString("file")
	if err != nil {
		return deps, fmt.Errorf("failed to get file flag: %w", err)
	}
	if file != "" {
		if deps, err = depspec.Load(file); err != nil {
			return deps, err
		}
	}

	conda, err := cmd.Flags().GetStringArray("conda")
	if err != nil {
		return deps, fmt.Errorf("failed to get conda flag: %w", err)
	}
	for _, spec := range conda {
		deps.Conda = append(deps.Conda, depspec.Spec(spec))
	}

	pip, err := cmd.Flags().GetStringArray("pip")
	if err != nil {
		return deps, fmt.Errorf("failed to get pip flag: %w", err)
	}
	for _, spec := range pip {
		deps.Pip = append(deps.Pip, depspec.Spec(spec))
	}

	python, err := cmd.Flags().GetString("python")
	if err != nil {
		return deps, fmt.Errorf("failed to get python flag: %w", err)
	}
	if python != "" {
		deps.Python = python
	}
	return deps, nil
}

func hooksFlag(cmd *cobra.Command, name string) (commands.Hooks, error) {
	lines, err := cmd.Flags().GetStringArray(name)
	if err != nil {
		return nil, fmt.Errorf("failed to get %s flag: %w", name, err)
	}
	if len(lines) == 0 {
		return nil, nil
	}
	return commands.Hooks{"all": lines}, nil
}

func runCreate(cmd *cobra.Command, args []string) error {
	name := args[0]
	deps, err := parseDependencies(cmd)
	if err != nil {
		return err
	}
	hooks, err := hooksFlag(cmd, "install-hook")
	if err != nil {
		return err
	}
	errorIfExists, err := cmd.Flags().GetBool("error-if-exists")
	if err != nil {
		return fmt.Errorf("failed to get error-if-exists flag: %w", err)
	}

	opts := manager.CreateOptions{InstallHooks: hooks, ErrorIfExists: errorIfExists}
	if cmd.Flags().Changed("reference") {
		ref, err := cmd.Flags().GetString("reference")
		if err != nil {
			return fmt.Errorf("failed to get reference flag: %w", err)
		}
		opts.Reference = &ref
	}

	return withApp(cmd, func(a *app) error {
		existed := a.manager.EnvironmentExists(name)
		created, err := a.manager.Create(cmd.Context(), name, deps, opts)
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		switch {
		case !created:
			fmt.Fprintf(out, "%s: dependencies already satisfied by the reference environment\n", name)
		case existed:
			fmt.Fprintf(out, "%s: already exists\n", name)
		default:
			fmt.Fprintf(out, "%s: created\n", name)
		}
		return nil
	})
}

func runInstall(cmd *cobra.Command, args []string) error {
	name := args[0]
	deps, err := parseDependencies(cmd)
	if err != nil {
		return err
	}
	hooks, err := hooksFlag(cmd, "install-hook")
	if err != nil {
		return err
	}

	return withApp(cmd, func(a *app) error {
		if err := a.manager.InstallDependencies(cmd.Context(), name, deps, hooks); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s: installed\n", name)
		return nil
	})
}
