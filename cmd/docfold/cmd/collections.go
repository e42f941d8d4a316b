package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newCollectionsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "collections",
		Short: "Manage collections",
	}

	cmd.AddCommand(newCollectionsCreateCmd())
	cmd.AddCommand(newCollectionsListCmd())
	cmd.AddCommand(newCollectionsDeleteCmd())

	return cmd
}

func newCollectionsCreateCmd() *cobra.Command {
	var description string

	cmd := &cobra.Command{
		Use:   "create <name>",
		Short: "Create a collection",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			coll, err := a.coord.CreateCollection(cmd.Context(), args[0], description)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "created collection %s (%s)\n", coll.Name, coll.ID)
			return nil
		},
	}

	cmd.Flags().StringVarP(&description, "description", "d", "", "Collection description")

	return cmd
}

func newCollectionsListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List collections",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := newApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			colls, err := a.coord.ListCollections(cmd.Context())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(colls) == 0 {
				fmt.Fprintln(out, "no collections")
				return nil
			}
			for _, c := range colls {
				if c.Description != "" {
					fmt.Fprintf(out, "%s\t%s\t%s\n", c.Name, c.ID, c.Description)
				} else {
					fmt.Fprintf(out, "%s\t%s\n", c.Name, c.ID)
				}
			}
			return nil
		},
	}
}

func newCollectionsDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <name>",
		Short: "Delete a collection and everything in it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			if err := a.coord.DeleteCollection(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "deleted collection %s\n", args[0])
			return nil
		},
	}
}
