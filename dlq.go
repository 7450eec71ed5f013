package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

func newDLQCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dlq",
		Short: "Inspect and requeue dead-lettered messages",
	}

	cmd.AddCommand(newDLQLsCmd())
	cmd.AddCommand(newDLQRequeueCmd())

	return cmd
}

func newDLQLsCmd() *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "ls <queue>",
		Short: "List dead-lettered messages",
		Long:  "Lists dead-lettered messages for the named queue (upload, composition, feed-dead).",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return listDeadLetters(cmd, args[0], limit)
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 50, "number of messages to show")

	return cmd
}

func newDLQRequeueCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "requeue <queue> <message-id>",
		Short: "Move a dead-lettered message back onto its queue",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return requeueDeadLetter(cmd, args[0], args[1])
		},
	}
}

func listDeadLetters(cmd *cobra.Command, queueName string, limit int) error {
	logger := buildLogger()

	svc, err := newService(logger)
	if err != nil {
		return err
	}
	defer svc.Close()

	q, err := svc.queueByName(queueName)
	if err != nil {
		return err
	}

	msgs, err := q.DeadLetters(cmd.Context(), limit)
	if err != nil {
		return err
	}

	if len(msgs) == 0 {
		fmt.Printf("No dead letters in %s.\n", queueName)
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tGROUP\tRECEIVES\tBODY")

	for i := range msgs {
		m := &msgs[i]
		fmt.Fprintf(w, "%s\t%s\t%d\t%s\n", m.ID, m.GroupKey, m.ReceiveCount, truncate(string(m.Body), 80))
	}

	return w.Flush()
}

func requeueDeadLetter(cmd *cobra.Command, queueName, id string) error {
	logger := buildLogger()

	svc, err := newService(logger)
	if err != nil {
		return err
	}
	defer svc.Close()

	q, err := svc.queueByName(queueName)
	if err != nil {
		return err
	}

	if err := q.Requeue(cmd.Context(), id); err != nil {
		return err
	}

	fmt.Printf("Requeued %s onto %s.\n", id, queueName)

	return nil
}
