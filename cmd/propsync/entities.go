package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"propsync/internal/app"
	"propsync/internal/model"
)

// newEntityCmd builds the list/get/save/update/delete subtree for one kind.
func newEntityCmd(kind, short string) *cobra.Command {
	root := &cobra.Command{
		Use:   kind,
		Short: short,
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List " + kind,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, "FetchAll", func(ctx context.Context, a *app.App) error {
				s, err := a.Synchronizer(kind)
				if err != nil {
					return err
				}
				entities, source := s.FetchAllWithSource(ctx)
				fmt.Printf("%d %s (from %s)\n", len(entities), kind, source)
				printEntities(entities)
				return nil
			})
		},
	}

	get := &cobra.Command{
		Use:   "get ID",
		Short: "Show one entity",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, "FetchByID", func(ctx context.Context, a *app.App) error {
				s, err := a.Synchronizer(kind)
				if err != nil {
					return err
				}
				e, ok := s.FetchByID(ctx, args[0])
				if !ok {
					return fmt.Errorf("%s %q not found", kind, args[0])
				}
				return printJSON(model.ToWire(e))
			})
		},
	}

	save := &cobra.Command{
		Use:   "save [FILE]",
		Short: "Create or replace an entity from a JSON document (stdin when FILE is omitted)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			doc, err := readDocument(args)
			if err != nil {
				return err
			}
			e, err := entityFromDocument(doc)
			if err != nil {
				return err
			}
			return withApp(cmd, "Save", func(ctx context.Context, a *app.App) error {
				s, err := a.Synchronizer(kind)
				if err != nil {
					return err
				}
				saved, err := s.Save(ctx, e)
				if err != nil {
					return err
				}
				return printJSON(model.ToWire(saved))
			})
		},
	}

	update := &cobra.Command{
		Use:   "update ID PATH=VALUE...",
		Short: "Update fields of an entity, e.g. availability=sold attributes.price=950",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			patch, err := parseAssignments(args[1:])
			if err != nil {
				return err
			}
			return withApp(cmd, "Update", func(ctx context.Context, a *app.App) error {
				s, err := a.Synchronizer(kind)
				if err != nil {
					return err
				}
				updated, err := s.Update(ctx, args[0], patch)
				if err != nil {
					return err
				}
				return printJSON(model.ToWire(updated))
			})
		},
	}

	del := &cobra.Command{
		Use:   "delete ID",
		Short: "Delete an entity",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, "Delete", func(ctx context.Context, a *app.App) error {
				s, err := a.Synchronizer(kind)
				if err != nil {
					return err
				}
				if err := s.Delete(ctx, args[0]); err != nil {
					return err
				}
				fmt.Printf("Deleted %s %s\n", kind, args[0])
				return nil
			})
		},
	}

	root.AddCommand(list, get, save, update, del)
	return root
}

func readDocument(args []string) ([]byte, error) {
	if len(args) == 0 || args[0] == "-" {
		data, err := io.ReadAll(os.Stdin)
		if err != nil {
			return nil, fmt.Errorf("reading stdin: %w", err)
		}
		return data, nil
	}
	data, err := os.ReadFile(args[0])
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", args[0], err)
	}
	return data, nil
}

// entityFromDocument parses a JSON document in wire form. Id, availability
// and timestamps may be omitted.
func entityFromDocument(data []byte) (model.Entity, error) {
	var doc model.WireEntity
	if err := json.Unmarshal(data, &doc); err != nil {
		return model.Entity{}, fmt.Errorf("parsing document: %w", err)
	}
	return model.DraftFromWire(doc)
}
