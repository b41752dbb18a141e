package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/seantiz/labrun/internal/engine/sim"
)

type planInfo struct {
	Name        string         `yaml:"name"`
	Description string         `yaml:"description,omitempty"`
	Schema      map[string]any `yaml:"schema"`
}

func doPlans(cmd *cobra.Command, _ []string) error {
	registry, err := newRegistry(cfg, sim.DefaultDevices())
	if err != nil {
		return err
	}

	defs := registry.List()
	infos := make([]planInfo, 0, len(defs))
	for _, def := range defs {
		infos = append(infos, planInfo{
			Name:        def.Name,
			Description: def.Description,
			Schema:      def.JSONSchema(),
		})
	}

	enc := yaml.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent(2)
	if err := enc.Encode(infos); err != nil {
		return fmt.Errorf("encoding plans: %w", err)
	}
	return enc.Close()
}
