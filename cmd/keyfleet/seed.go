package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"keyfleet/pkg/model"
	"keyfleet/pkg/store"
)

// inventory is the node file accepted by "keyfleet seed".
//
//	nodes:
//	  - name: fra-1
//	    host: fra-1.example.net
//	    group: eu
//	    api_url: https://10.0.0.5:2053/panel
//	    capacity: 500
//	    active: true
//	    settings:
//	      username: admin
//	      password: secret
//	      inbound_id: 3
//
// A node may give its settings as the raw JSON blob instead, under
// settings_json.
type inventory struct {
	Nodes []inventoryNode `yaml:"nodes"`
}

type inventoryNode struct {
	model.Node   `yaml:",inline"`
	SettingsJSON string `yaml:"settings_json"`
}

func parseInventory(r io.Reader) ([]model.Node, error) {
	var inv inventory
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&inv); err != nil {
		if err == io.EOF {
			return nil, nil
		}
		return nil, fmt.Errorf("decode inventory: %w", err)
	}
	nodes := make([]model.Node, 0, len(inv.Nodes))
	for i, in := range inv.Nodes {
		n := in.Node
		if in.SettingsJSON != "" {
			s, err := model.ParseNodeSettings([]byte(in.SettingsJSON))
			if err != nil {
				return nil, fmt.Errorf("node %d (%s): %w", i, n.Name, err)
			}
			n.Settings = s
		}
		if err := n.Validate(); err != nil {
			return nil, fmt.Errorf("node %d: %w", i, err)
		}
		nodes = append(nodes, n)
	}
	return nodes, nil
}

// seedNodes upserts every node, matching existing records by id or name.
func seedNodes(ctx context.Context, st store.Store, nodes []model.Node) ([]model.Node, error) {
	out := make([]model.Node, 0, len(nodes))
	for _, n := range nodes {
		saved, err := st.UpsertNode(ctx, n)
		if err != nil {
			return out, fmt.Errorf("upsert %s: %w", n.Name, err)
		}
		out = append(out, saved)
	}
	return out, nil
}

var seedCmd = &cobra.Command{
	Use:   "seed <nodes.yaml>",
	Short: "Upsert node records from a YAML inventory",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		f, err := os.Open(args[0])
		if err != nil {
			return err
		}
		defer f.Close()
		nodes, err := parseInventory(f)
		if err != nil {
			return err
		}
		return withApp(func(a *app) error {
			saved, err := seedNodes(cmd.Context(), a.store, nodes)
			for _, n := range saved {
				fmt.Fprintf(cmd.OutOrStdout(), "%d\t%s\t%s\tcapacity=%d active=%t\n",
					n.ID, n.Name, n.GroupName(), n.Capacity, n.Active)
			}
			return err
		})
	},
}

func init() {
	rootCmd.AddCommand(seedCmd)
}
