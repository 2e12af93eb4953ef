package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/foxzi/courier/internal/claim"
	"github.com/foxzi/courier/internal/email"
	"github.com/foxzi/courier/internal/queue"
)

var (
	queueListStatus string
	queueListLimit  int
	queueListDomain string
	queueShowJSON   bool

	enqueueReq      email.Request
	enqueueBodyFile string
)

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Queue management commands",
}

var queueListCmd = &cobra.Command{
	Use:   "list",
	Short: "List emails in the queue",
	RunE:  runQueueList,
}

var queueShowCmd = &cobra.Command{
	Use:   "show <email_id>",
	Short: "Show email details and per-recipient status",
	Args:  cobra.ExactArgs(1),
	RunE:  runQueueShow,
}

var queueStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show queue statistics",
	RunE:  runQueueStats,
}

var queueRequeueCmd = &cobra.Command{
	Use:   "requeue <email_id>",
	Short: "Put a failed or complete email back in the queue",
	Args:  cobra.ExactArgs(1),
	RunE:  runQueueRequeue,
}

var queueDeleteCmd = &cobra.Command{
	Use:   "delete <email_id>",
	Short: "Delete an email from the queue",
	Args:  cobra.ExactArgs(1),
	RunE:  runQueueDelete,
}

var queueEnqueueCmd = &cobra.Command{
	Use:   "enqueue",
	Short: "Add an email to the queue",
	Long: `Add an email to the queue. The body is read from --body, or from
--body-file ("-" for stdin).`,
	RunE: runQueueEnqueue,
}

func init() {
	queueListCmd.Flags().StringVar(&queueListStatus, "status", "", "Filter by status (incomplete, in_progress, complete, failed)")
	queueListCmd.Flags().IntVar(&queueListLimit, "limit", 50, "Maximum number of emails to show")
	queueListCmd.Flags().StringVar(&queueListDomain, "domain", "", "Filter by sender domain")

	queueShowCmd.Flags().BoolVar(&queueShowJSON, "json", false, "Print the stored document as JSON")

	queueEnqueueCmd.Flags().StringVar(&enqueueReq.From, "from", "", "Sender address (required)")
	queueEnqueueCmd.Flags().StringSliceVar(&enqueueReq.To, "to", nil, "To recipients")
	queueEnqueueCmd.Flags().StringSliceVar(&enqueueReq.CC, "cc", nil, "Cc recipients")
	queueEnqueueCmd.Flags().StringSliceVar(&enqueueReq.BCC, "bcc", nil, "Bcc recipients")
	queueEnqueueCmd.Flags().StringVar(&enqueueReq.Subject, "subject", "", "Subject")
	queueEnqueueCmd.Flags().StringVar(&enqueueReq.Body, "body", "", "Body text")
	queueEnqueueCmd.Flags().StringVar(&enqueueBodyFile, "body-file", "", "Read the body from a file")
	queueEnqueueCmd.MarkFlagRequired("from")

	queueCmd.AddCommand(queueListCmd, queueShowCmd, queueStatsCmd, queueRequeueCmd, queueDeleteCmd, queueEnqueueCmd)
	rootCmd.AddCommand(queueCmd)
}

func runQueueList(cmd *cobra.Command, args []string) error {
	storage, err := openStorage()
	if err != nil {
		return err
	}
	defer storage.Close()

	filter := queue.ListFilter{
		Status: email.Status(queueListStatus),
		Limit:  queueListLimit,
	}
	if filter.Status != "" && !filter.Status.Valid() {
		return fmt.Errorf("unknown status: %s", queueListStatus)
	}

	emails, err := storage.List(context.Background(), filter)
	if err != nil {
		return fmt.Errorf("failed to list emails: %w", err)
	}

	if queueListDomain != "" {
		filtered := emails[:0]
		for _, e := range emails {
			if email.ExtractDomain(e.Sender) == strings.ToLower(queueListDomain) {
				filtered = append(filtered, e)
			}
		}
		emails = filtered
	}

	if len(emails) == 0 {
		fmt.Println("Queue is empty")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSTATUS\tFROM\tRCPTS\tDELIVERED\tTRIES\tCREATED")
	fmt.Fprintln(w, "--\t------\t----\t-----\t---------\t-----\t-------")

	for _, e := range emails {
		delivered := len(e.Recipients) - len(e.Undelivered())
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d\t%d\t%s\n",
			truncateID(e.ID),
			e.Status,
			e.Sender,
			len(e.Recipients),
			delivered,
			e.Tries,
			e.CreatedAt.Format("2006-01-02 15:04"),
		)
	}

	w.Flush()
	fmt.Printf("\nTotal: %d emails\n", len(emails))

	return nil
}

func runQueueShow(cmd *cobra.Command, args []string) error {
	storage, err := openStorage()
	if err != nil {
		return err
	}
	defer storage.Close()

	id := args[0]
	e, err := storage.Get(context.Background(), id)
	if err != nil {
		return fmt.Errorf("failed to get email: %w", err)
	}
	if e == nil {
		return fmt.Errorf("email not found: %s", id)
	}

	if queueShowJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(e)
	}

	fmt.Printf("Email: %s\n\n", e.ID)
	fmt.Printf("Status:   %s\n", e.Status)
	fmt.Printf("From:     %s\n", e.Sender)
	fmt.Printf("Subject:  %s\n", e.Subject)
	fmt.Printf("Tries:    %d\n", e.Tries)
	fmt.Printf("Created:  %s\n", e.CreatedAt.Format(time.RFC3339))
	fmt.Printf("Updated:  %s\n", e.UpdatedAt.Format(time.RFC3339))
	if e.WorkerID != "" {
		fmt.Printf("Worker:   %s\n", e.WorkerID)
	}
	if !e.NextAttemptAt.IsZero() {
		fmt.Printf("Next Try: %s\n", e.NextAttemptAt.Format(time.RFC3339))
	}
	if e.Reason != "" {
		fmt.Printf("\nReason:\n  %s\n", e.Reason)
	}

	fmt.Println("\nRecipients:")
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "  TYPE\tADDRESS\tCODE\tREASON")
	for _, r := range e.Recipients {
		fmt.Fprintf(w, "  %s\t%s\t%d\t%s\n", r.Type, r.Address, r.StatusCode, r.Reason)
	}
	w.Flush()

	return nil
}

func runQueueStats(cmd *cobra.Command, args []string) error {
	storage, err := openStorage()
	if err != nil {
		return err
	}
	defer storage.Close()

	stats, err := storage.Stats(context.Background())
	if err != nil {
		return fmt.Errorf("failed to get queue stats: %w", err)
	}

	fmt.Println("Queue Statistics")
	fmt.Println("================")
	fmt.Printf("Total:       %d\n", stats.Total)
	fmt.Printf("Incomplete:  %d\n", stats.Incomplete)
	fmt.Printf("In progress: %d\n", stats.InProgress)
	fmt.Printf("Complete:    %d\n", stats.Complete)
	fmt.Printf("Failed:      %d\n", stats.Failed)
	if !stats.OldestIncomplete.IsZero() {
		fmt.Printf("Oldest:      %s (%s ago)\n",
			stats.OldestIncomplete.Format(time.RFC3339),
			time.Since(stats.OldestIncomplete).Round(time.Second),
		)
	}

	return nil
}

func runQueueRequeue(cmd *cobra.Command, args []string) error {
	storage, err := openStorage()
	if err != nil {
		return err
	}
	defer storage.Close()

	id := args[0]
	claims := claim.NewManager(storage, 0, slog.Default())
	if _, err := claims.Requeue(context.Background(), id); err != nil {
		switch {
		case errors.Is(err, queue.ErrNotFound):
			return fmt.Errorf("email not found: %s", id)
		case errors.Is(err, queue.ErrInProgress):
			return fmt.Errorf("email %s is being delivered, try again later", id)
		}
		return err
	}

	fmt.Printf("Email %s queued for retry\n", id)
	return nil
}

func runQueueDelete(cmd *cobra.Command, args []string) error {
	storage, err := openStorage()
	if err != nil {
		return err
	}
	defer storage.Close()

	id := args[0]
	if err := storage.Delete(context.Background(), id); err != nil {
		switch {
		case errors.Is(err, queue.ErrNotFound):
			return fmt.Errorf("email not found: %s", id)
		case errors.Is(err, queue.ErrInProgress):
			return fmt.Errorf("email %s is being delivered and cannot be deleted", id)
		}
		return fmt.Errorf("failed to delete email: %w", err)
	}

	fmt.Printf("Email %s deleted from queue\n", id)
	return nil
}

func runQueueEnqueue(cmd *cobra.Command, args []string) error {
	req := enqueueReq
	if enqueueBodyFile != "" {
		body, err := readBody(cmd.InOrStdin(), enqueueBodyFile)
		if err != nil {
			return err
		}
		req.Body = body
	}

	e, err := email.New(&req)
	if err != nil {
		return fmt.Errorf("invalid email: %w", err)
	}
	if len(e.Recipients) == 0 {
		return fmt.Errorf("at least one recipient is required")
	}

	storage, err := openStorage()
	if err != nil {
		return err
	}
	defer storage.Close()

	if err := storage.Insert(context.Background(), e); err != nil {
		return fmt.Errorf("failed to enqueue email: %w", err)
	}

	fmt.Printf("Email %s queued for %d recipients\n", e.ID, len(e.Recipients))
	return nil
}

func readBody(stdin io.Reader, path string) (string, error) {
	var (
		data []byte
		err  error
	)
	if path == "-" {
		data, err = io.ReadAll(stdin)
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return "", fmt.Errorf("failed to read body: %w", err)
	}
	return string(data), nil
}

func truncateID(id string) string {
	if len(id) <= 12 {
		return id
	}
	return id[:12] + "..."
}
