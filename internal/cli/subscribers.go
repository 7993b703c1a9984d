package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"variation-radar/internal/model"
)

var (
	subscriberUsername  string
	subscriberFirstName string
)

var subscribersCmd = &cobra.Command{
	Use:   "subscribers",
	Short: "Manage alert recipients",
}

var subscribersListCmd = &cobra.Command{
	Use:   "list",
	Short: "List registered recipients",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().ListSubscribers(cmd.Context(), cmd.OutOrStdout())
	},
}

var subscribersAddCmd = &cobra.Command{
	Use:   "add <chat-id>",
	Short: "Register a recipient",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		added, err := getApp().AddSubscriber(cmd.Context(), model.Subscriber{
			RecipientID: args[0],
			Username:    subscriberUsername,
			FirstName:   subscriberFirstName,
		})
		if err != nil {
			return err
		}
		if added {
			fmt.Fprintf(cmd.OutOrStdout(), "%s registered\n", args[0])
		} else {
			fmt.Fprintf(cmd.OutOrStdout(), "%s already registered\n", args[0])
		}
		return nil
	},
}

var subscribersRemoveCmd = &cobra.Command{
	Use:   "remove <chat-id>",
	Short: "Unregister a recipient",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		removed, err := getApp().RemoveSubscriber(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		if !removed {
			return fmt.Errorf("%s is not registered", args[0])
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s removed\n", args[0])
		return nil
	},
}

func init() {
	subscribersAddCmd.Flags().StringVar(&subscriberUsername, "username", "", "Telegram username")
	subscribersAddCmd.Flags().StringVar(&subscriberFirstName, "first-name", "", "Display name")

	subscribersCmd.AddCommand(subscribersListCmd, subscribersAddCmd, subscribersRemoveCmd)
}
