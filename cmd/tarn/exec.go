package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/seantiz/tarn/internal/environment"
	"github.com/seantiz/tarn/internal/shell"
)

func newExecCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "exec <environment> <module> <function> [arg...]",
		Short: "Launch an environment, run one function in it and exit",
		Long: `exec launches the environment's worker, calls function from module with the
given arguments and prints the JSON result. Arguments are parsed as JSON and
fall back to plain strings; @path reads a JSON argument from a file.`,
		Example: `  tarn exec numpy minimal_module.py sum '[1, 2, 3]'
  tarn exec cellpose example_module.py segment @image.json --kwarg model_type=nuclei`,
		Args: cobra.MinimumNArgs(3),
		RunE: runExec,
	}
	cmd.Flags().StringArray("kwarg", nil, "Keyword argument as name=value (repeatable)")
	cmd.Flags().Bool("in-process", false, "Run the function inside tarn instead of a worker")
	cmd.Flags().String("custom-command", "", "Start the worker with this command instead of tarn-worker")
	cmd.Flags().Bool("skip-activation", false, "Do not activate the environment before starting the worker")
	cmd.Flags().StringArray("env", nil, "Extra worker environment variable KEY=VALUE (repeatable)")
	cmd.Flags().StringArray("activate-hook", nil, "Extra script line run after activation (repeatable)")
	return cmd
}

// parseValue decodes s as JSON, or returns it unchanged when it is not JSON.
func parseValue(s string) any {
	var v any
	if err := json.Unmarshal([]byte(s), &v); err != nil {
		return s
	}
	return v
}

// parseArg is parseValue, except that @path decodes the JSON file at path.
func parseArg(s string) (any, error) {
	path, ok := strings.CutPrefix(s, "@")
	if !ok {
		return parseValue(s), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read argument file: %w", err)
	}
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, fmt.Errorf("decode argument file %s: %w", path, err)
	}
	return v, nil
}

func parseCallArgs(raw []string, kwargs []string) ([]any, map[string]any, error) {
	args := make([]any, len(raw))
	for i, s := range raw {
		v, err := parseArg(s)
		if err != nil {
			return nil, nil, err
		}
		args[i] = v
	}

	var kw map[string]any
	for _, pair := range kwargs {
		name, value, ok := strings.Cut(pair, "=")
		if !ok || name == "" {
			return nil, nil, fmt.Errorf("invalid keyword argument %q, want name=value", pair)
		}
		if kw == nil {
			kw = make(map[string]any)
		}
		v, err := parseArg(value)
		if err != nil {
			return nil, nil, err
		}
		kw[name] = v
	}
	return args, kw, nil
}

func parseLaunchOptions(cmd *cobra.Command) (environment.LaunchOptions, error) {
	var opts environment.LaunchOptions
	var err error

	if opts.CustomCommand, err = cmd.Flags().GetString("custom-command"); err != nil {
		return opts, fmt.Errorf("failed to get custom-command flag: %w", err)
	}
	if opts.SkipActivation, err = cmd.Flags().GetBool("skip-activation"); err != nil {
		return opts, fmt.Errorf("failed to get skip-activation flag: %w", err)
	}
	if opts.Env, err = cmd.Flags().GetStringArray("env"); err != nil {
		return opts, fmt.Errorf("failed to get env flag: %w", err)
	}
	for _, kv := range opts.Env {
		if !strings.Contains(kv, "=") {
			return opts, fmt.Errorf("invalid environment variable %q, want KEY=VALUE", kv)
		}
	}
	if opts.ActivateHooks, err = hooksFlag(cmd, "activate-hook"); err != nil {
		return opts, err
	}
	return opts, nil
}

func runExec(cmd *cobra.Command, args []string) error {
	name, modulePath, function := args[0], args[1], args[2]

	kwargs, err := cmd.Flags().GetStringArray("kwarg")
	if err != nil {
		return fmt.Errorf("failed to get kwarg flag: %w", err)
	}
	callArgs, callKwargs, err := parseCallArgs(args[3:], kwargs)
	if err != nil {
		return err
	}
	inProcess, err := cmd.Flags().GetBool("in-process")
	if err != nil {
		return fmt.Errorf("failed to get in-process flag: %w", err)
	}
	launchOpts, err := parseLaunchOptions(cmd)
	if err != nil {
		return err
	}

	return withApp(cmd, func(a *app) error {
		var env environment.Environment
		if inProcess {
			env = environment.NewDirect(name, a.manager.Modules())
		} else {
			client, err := a.manager.Launch(cmd.Context(), name, launchOpts)
			if err != nil {
				return err
			}
			env = client
		}

		result, err := env.Execute(cmd.Context(), modulePath, function, callArgs, callKwargs)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), result.String())
		return env.Exit(cmd.Context())
	})
}

func newRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run <environment> -- <line>...",
		Short: "Run script lines in an activated environment",
		Long: `run activates the environment and runs each argument as one script line,
stopping at the first failing line. Output is printed as it is captured.`,
		Example: `  tarn run cellpose -- "python -u train.py" "python -u evaluate.py"`,
		Args:    cobra.MinimumNArgs(2),
		RunE:    runRun,
	}
	cmd.Flags().StringArray("activate-hook", nil, "Extra script line run after activation (repeatable)")
	cmd.Flags().Bool("in-process", false, "Run the lines in tarn's own environment without activation")
	return cmd
}

func runRun(cmd *cobra.Command, args []string) error {
	name, lines := args[0], args[1:]
	hooks, err := hooksFlag(cmd, "activate-hook")
	if err != nil {
		return err
	}
	inProcess, err := cmd.Flags().GetBool("in-process")
	if err != nil {
		return fmt.Errorf("failed to get in-process flag: %w", err)
	}

	return withApp(cmd, func(a *app) error {
		opts := shell.Options{FailFast: true, Quiet: true}
		var (
			output []string
			err    error
		)
		if inProcess {
			output, err = environment.NewDirect(name, a.manager.Modules()).ExecuteCommands(cmd.Context(), lines, hooks, opts)
		} else {
			output, err = a.manager.ExecuteCommands(cmd.Context(), name, lines, hooks, opts)
		}
		for _, line := range output {
			fmt.Fprintln(cmd.OutOrStdout(), line)
		}
		return err
	})
}
