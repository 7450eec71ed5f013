package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newWhitelistCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "whitelist",
		Short: "Manage the practitioner whitelist",
		Long: "Only encounters attended by whitelisted practitioners are watched. " +
			"An empty whitelist means no encounters are picked up.",
	}

	cmd.AddCommand(newWhitelistAddCmd())
	cmd.AddCommand(newWhitelistRmCmd())
	cmd.AddCommand(newWhitelistLsCmd())

	return cmd
}

func newWhitelistAddCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "add <practitioner-id>...",
		Short: "Allow one or more practitioners",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withService(func(svc *service) error {
				for _, id := range args {
					if err := svc.store.AllowPractitioner(cmd.Context(), id); err != nil {
						return err
					}
				}

				fmt.Printf("Allowed %d practitioner(s).\n", len(args))

				return nil
			})
		},
	}
}

func newWhitelistRmCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rm <practitioner-id>...",
		Short: "Remove one or more practitioners",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withService(func(svc *service) error {
				for _, id := range args {
					if err := svc.store.DisallowPractitioner(cmd.Context(), id); err != nil {
						return err
					}
				}

				fmt.Printf("Removed %d practitioner(s).\n", len(args))

				return nil
			})
		},
	}
}

func newWhitelistLsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ls",
		Short: "List allowed practitioners",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withService(func(svc *service) error {
				ids, err := svc.store.ListAllowed(cmd.Context())
				if err != nil {
					return err
				}

				if len(ids) == 0 {
					fmt.Println("Whitelist is empty: no encounters will be watched.")
					return nil
				}

				for _, id := range ids {
					fmt.Println(id)
				}

				return nil
			})
		},
	}
}

// withService builds the service for a short-lived command and tears it
// down afterwards.
func withService(fn func(svc *service) error) error {
	svc, err := newService(buildLogger())
	if err != nil {
		return err
	}
	defer svc.Close()

	return fn(svc)
}
