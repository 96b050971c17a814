package cmd

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"text/tabwriter"

	"g4f-bridge/internal/config"
	"g4f-bridge/internal/registry"
)

func listModels(args []string) error {
	fs := flag.NewFlagSet("models", flag.ContinueOnError)
	var cfgPath string
	fs.StringVar(&cfgPath, "config", "", "path to configuration file")

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return nil
		}
		return fmt.Errorf("parse models flags: %w", err)
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return err
	}

	reg, err := registry.New(cfg.ModelTable())
	if err != nil {
		return fmt.Errorf("build model registry: %w", err)
	}

	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "MODEL\tPROVIDER\tUPSTREAM")
	for _, m := range reg.Models() {
		upstream := "-"
		if p, ok := cfg.Providers[m.Provider]; ok {
			upstream = p.APIStyle + " " + p.BaseURL
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\n", m.ID, m.Provider, upstream)
	}
	return tw.Flush()
}
